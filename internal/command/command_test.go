package command

import (
	"context"
	"errors"
	"testing"
)

func TestTailKeepsLastLines(t *testing.T) {
	tl := newTail(3)
	tl.Write([]byte("a\nb\nc\nd\ne\n"))

	lines := tl.Lines()
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0] != "c" || lines[1] != "d" || lines[2] != "e" {
		t.Errorf("expected [c d e], got %v", lines)
	}
}

func TestTailPartialLine(t *testing.T) {
	tl := newTail(5)
	tl.Write([]byte("first\nsec"))
	tl.Write([]byte("ond"))

	lines := tl.Lines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %v", lines)
	}
	if lines[1] != "second" {
		t.Errorf("expected partial line 'second', got %q", lines[1])
	}
}

func TestExecSuccess(t *testing.T) {
	r := NewExec()
	res, err := r.Run(context.Background(), "sh", "-c", "echo hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Output) != 1 || res.Output[0] != "hello" {
		t.Errorf("unexpected output: %v", res.Output)
	}
}

func TestExecNonZeroExit(t *testing.T) {
	r := NewExec()
	_, err := r.Run(context.Background(), "sh", "-c", "echo broken >&2; exit 3")

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %v", err)
	}
	if exitErr.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", exitErr.ExitCode)
	}
	if len(exitErr.Output) == 0 || exitErr.Output[0] != "broken" {
		t.Errorf("expected captured stderr, got %v", exitErr.Output)
	}
}

func TestExecMissingBinary(t *testing.T) {
	r := NewExec()
	if r.Available("definitely-not-a-real-binary-xyz") {
		t.Error("expected missing binary to be unavailable")
	}
	_, err := r.Run(context.Background(), "definitely-not-a-real-binary-xyz")
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		t.Error("missing binary should not be reported as an exit status")
	}
}

func TestFakeRecordsAndFails(t *testing.T) {
	f := NewFake()
	f.Fail("systemctl enable x.service", errors.New("boom"))
	f.Installed["dracut"] = false

	if _, err := f.Run(context.Background(), "systemctl", "enable", "x.service"); err == nil {
		t.Error("expected configured failure")
	}
	if _, err := f.Run(context.Background(), "update-initramfs", "-u"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if f.Available("dracut") {
		t.Error("dracut should be unavailable")
	}
	if !f.Available("systemctl") {
		t.Error("unconfigured tools default to available")
	}
	if got := f.Invocations(); len(got) != 2 {
		t.Errorf("expected 2 invocations, got %v", got)
	}
}

func TestFakeFailTimes(t *testing.T) {
	f := NewFake()
	f.FailTimes("dracut --force", 1, errors.New("no space left"))

	if _, err := f.Run(context.Background(), "dracut", "--force"); err == nil {
		t.Fatal("first run should fail")
	}
	if _, err := f.Run(context.Background(), "dracut", "--force"); err != nil {
		t.Fatalf("second run should succeed, got %v", err)
	}
}
