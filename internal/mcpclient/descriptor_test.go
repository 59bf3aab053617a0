package mcpclient

import "testing"

func TestParseDescriptorSplitsNameAndCommand(t *testing.T) {
	d, err := ParseDescriptor("fs=mcp-filesystem --root /tmp")
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	if d.Name != "fs" || d.Command != "mcp-filesystem" {
		t.Fatalf("got %+v", d)
	}
	if len(d.Args) != 2 || d.Args[0] != "--root" || d.Args[1] != "/tmp" {
		t.Fatalf("got args %v", d.Args)
	}
}

func TestParseDescriptorRejectsMissingEquals(t *testing.T) {
	if _, err := ParseDescriptor("no-equals-sign"); err == nil {
		t.Fatal("expected an error for a missing '='")
	}
}

func TestParseDescriptorRejectsEmptyCommand(t *testing.T) {
	if _, err := ParseDescriptor("fs="); err == nil {
		t.Fatal("expected an error for an empty command")
	}
}

func TestParseDescriptorsRejectsDuplicateNames(t *testing.T) {
	_, err := ParseDescriptors([]string{"fs=cmd-a", "fs=cmd-b"})
	if err == nil {
		t.Fatal("expected an error for duplicate descriptor names")
	}
}

func TestParseDescriptorsAcceptsDistinctNames(t *testing.T) {
	ds, err := ParseDescriptors([]string{"fs=cmd-a", "web=cmd-b --verbose"})
	if err != nil {
		t.Fatalf("ParseDescriptors: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("got %d descriptors", len(ds))
	}
}
