package provider

import "testing"

func TestExtractPlainJSON(t *testing.T) {
	res, err := Extract(`{"greeting":"hi","words":3}`)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Outcome != OutcomeValid {
		t.Fatalf("expected OutcomeValid, got %s", res.Outcome)
	}
}

func TestExtractStripsCodeFence(t *testing.T) {
	res, err := Extract("```json\n{\"a\":1}\n```")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Outcome != OutcomeValid {
		t.Fatalf("expected OutcomeValid, got %s", res.Outcome)
	}
}

func TestExtractRecoversDuplicatedBody(t *testing.T) {
	body := `{"a":1}{"a":1}`
	res, err := Extract(body)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Outcome != OutcomeRecovered {
		t.Fatalf("expected OutcomeRecovered, got %s", res.Outcome)
	}
}

func TestExtractFailsOnMismatchedSuffix(t *testing.T) {
	body := `{"a":1}{"a":2}`
	if _, err := Extract(body); err == nil {
		t.Fatal("expected OutputParseError for mismatched duplication")
	}
}

func TestExtractFailsOnGarbage(t *testing.T) {
	if _, err := Extract("not json at all"); err == nil {
		t.Fatal("expected OutputParseError for non-JSON body")
	}
}

func TestFirstBalancedObjectHandlesEscapedQuotes(t *testing.T) {
	s := `{"a":"esc\"aped"}trailing`
	end, err := firstBalancedObject(s)
	if err != nil {
		t.Fatalf("firstBalancedObject: %v", err)
	}
	if s[:end] != `{"a":"esc\"aped"}` {
		t.Fatalf("got %q", s[:end])
	}
}
