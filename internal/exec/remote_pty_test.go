package exec

import "testing"

func TestExtractFramedTakesLastOccurrence(t *testing.T) {
	// Simulates the shell echoing the command line (which itself contains
	// the start/end markers as literal text) before the real output.
	output := "cd '/' && echo __START_abc__ && { echo hi; } ; echo __END_abc__:$?\n" +
		"__START_abc__\n" +
		"hi\n" +
		"__END_abc__:0\n"

	res := extractFramed(output, "__START_abc__", "__END_abc__:")

	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("expected success exit 0, got %+v", res)
	}
	if res.Stdout != "hi\n" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "hi\n")
	}
}

func TestExtractFramedNonZeroExit(t *testing.T) {
	output := "__START_x__\nboom\n__END_x__:1\n"
	res := extractFramed(output, "__START_x__", "__END_x__:")
	if res.Success {
		t.Fatal("expected success=false for non-zero exit")
	}
	if res.ExitCode != 1 {
		t.Fatalf("ExitCode = %d, want 1", res.ExitCode)
	}
}

func TestExtractFramedMissingMarkersFails(t *testing.T) {
	res := extractFramed("no markers here", "__START_x__", "__END_x__:")
	if res.Success || res.ExitCode != -1 {
		t.Fatalf("expected success=false exitcode=-1, got %+v", res)
	}
}

func TestExtractFramedCarriageReturnFallback(t *testing.T) {
	output := "__START_y__\r\nhello\r\n__END_y__:0\r\n"
	res := extractFramed(output, "__START_y__", "__END_y__:")
	if !res.Success {
		t.Fatalf("expected success with CRLF framing, got %+v", res)
	}
}
