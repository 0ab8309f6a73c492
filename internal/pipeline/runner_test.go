package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/domain"
)

const testTS = domain.Timestamp("20260815041500")

type fakeStep struct {
	name   string
	output string
	safe   bool
	err    error

	calls       *[]string
	sawExisting bool
}

func (s *fakeStep) Name() string         { return s.name }
func (s *fakeStep) OutputPath() string   { return s.output }
func (s *fakeStep) IdempotentSafe() bool { return s.safe }

func (s *fakeStep) Run(ctx context.Context) error {
	if s.calls != nil {
		*s.calls = append(*s.calls, s.name)
	}
	if _, err := os.Stat(s.output); err == nil {
		s.sawExisting = true
	}
	if s.err != nil {
		return s.err
	}
	if s.output != "" {
		if err := os.WriteFile(s.output, []byte(s.name), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func newRunner(keep bool) *Runner {
	return New(Config{KeepFiles: keep}, zerolog.Nop())
}

func TestRunner_SequentialOrder(t *testing.T) {
	dir := t.TempDir()
	var calls []string

	steps := []Step{
		&fakeStep{name: "a", output: filepath.Join(dir, "a.out"), calls: &calls},
		&fakeStep{name: "b", output: filepath.Join(dir, "b.out"), calls: &calls},
		&fakeStep{name: "c", output: filepath.Join(dir, "c.out"), calls: &calls},
	}

	final, err := newRunner(false).Run(context.Background(), testTS, steps)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if final != filepath.Join(dir, "c.out") {
		t.Errorf("final path = %s, want c.out", final)
	}

	want := []string{"a", "b", "c"}
	if len(calls) != len(want) {
		t.Fatalf("ran %d steps, want %d", len(calls), len(want))
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call[%d] = %s, want %s", i, calls[i], want[i])
		}
	}
}

func TestRunner_StopsAtFirstFailure(t *testing.T) {
	dir := t.TempDir()
	var calls []string
	boom := errors.New("stitch failed")

	steps := []Step{
		&fakeStep{name: "a", output: filepath.Join(dir, "a.out"), calls: &calls},
		&fakeStep{name: "b", output: filepath.Join(dir, "b.out"), calls: &calls, err: Transient(boom)},
		&fakeStep{name: "c", output: filepath.Join(dir, "c.out"), calls: &calls},
	}

	_, err := newRunner(false).Run(context.Background(), testTS, steps)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var sf *StepFailure
	if !errors.As(err, &sf) {
		t.Fatalf("expected StepFailure, got %T: %v", err, err)
	}
	if sf.Index != 1 || sf.Step != "b" {
		t.Errorf("failure at index=%d step=%s, want index=1 step=b", sf.Index, sf.Step)
	}
	if !errors.Is(err, boom) {
		t.Error("expected wrapped cause to survive")
	}

	for _, c := range calls {
		if c == "c" {
			t.Error("step c ran after failure at step b")
		}
	}
}

func TestRunner_CleansIntermediatesOnSuccess(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.out")
	b := filepath.Join(dir, "b.out")
	final := filepath.Join(dir, "final.out")

	steps := []Step{
		&fakeStep{name: "a", output: a},
		&fakeStep{name: "b", output: b},
		&fakeStep{name: "final", output: final},
	}

	if _, err := newRunner(false).Run(context.Background(), testTS, steps); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	for _, p := range []string{a, b} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("intermediate %s still present", p)
		}
	}
	if _, err := os.Stat(final); err != nil {
		t.Errorf("final artifact missing: %v", err)
	}
}

func TestRunner_KeepFilesRetainsIntermediates(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.out")
	final := filepath.Join(dir, "final.out")

	steps := []Step{
		&fakeStep{name: "a", output: a},
		&fakeStep{name: "final", output: final},
	}

	if _, err := newRunner(true).Run(context.Background(), testTS, steps); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	for _, p := range []string{a, final} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("artifact %s missing with keep-files set: %v", p, err)
		}
	}
}

func TestRunner_CleansIntermediatesOnFailure(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.out")

	steps := []Step{
		&fakeStep{name: "a", output: a},
		&fakeStep{name: "b", output: filepath.Join(dir, "b.out"), err: Transient(errors.New("no upstream"))},
	}

	if _, err := newRunner(false).Run(context.Background(), testTS, steps); err == nil {
		t.Fatal("expected error, got nil")
	}

	if _, err := os.Stat(a); !os.IsNotExist(err) {
		t.Error("intermediate a.out still present after failed run")
	}
}

func TestRunner_RemovesStaleOutputUnlessIdempotentSafe(t *testing.T) {
	dir := t.TempDir()
	unsafeOut := filepath.Join(dir, "unsafe.out")
	safeOut := filepath.Join(dir, "safe.out")

	for _, p := range []string{unsafeOut, safeOut} {
		if err := os.WriteFile(p, []byte("stale"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	unsafe := &fakeStep{name: "unsafe", output: unsafeOut}
	safe := &fakeStep{name: "safe", output: safeOut, safe: true}

	if _, err := newRunner(true).Run(context.Background(), testTS, []Step{unsafe, safe}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if unsafe.sawExisting {
		t.Error("unsafe step saw its stale output; expected pre-run removal")
	}
	if !safe.sawExisting {
		t.Error("safe step did not see its existing output; expected it kept")
	}
}

func TestRunner_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls []string
	steps := []Step{&fakeStep{name: "a", output: filepath.Join(t.TempDir(), "a.out"), calls: &calls}}

	_, err := newRunner(false).Run(ctx, testTS, steps)
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if len(calls) != 0 {
		t.Errorf("steps ran despite cancelled context: %v", calls)
	}
	if !IsTransient(err) {
		t.Error("cancellation should classify as transient")
	}
}

func TestRunner_NoSteps(t *testing.T) {
	_, err := newRunner(false).Run(context.Background(), testTS, nil)
	if err == nil {
		t.Fatal("expected error for empty step list")
	}
	if !IsPermanent(err) {
		t.Error("empty step list should classify as permanent")
	}
}
