package exec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSplitArgs(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{`ls -la /tmp`, []string{"ls", "-la", "/tmp"}},
		{`grep "two words" file`, []string{"grep", "two words", "file"}},
		{`echo 'it''s'`, []string{"echo", "its"}},
		{``, nil},
	}
	for _, tc := range cases {
		got, err := SplitArgs(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("%q -> %v, want %v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%q -> %v, want %v", tc.in, got, tc.want)
			}
		}
	}

	if _, err := SplitArgs(`echo "unterminated`); !errors.Is(err, ErrUnbalancedQuoting) {
		t.Errorf("unbalanced quote err = %v", err)
	}
}

func TestRunner_AllowListEnforced(t *testing.T) {
	r := NewRunner(t.TempDir(), []string{"echo"}, time.Second)

	if _, err := r.Run(context.Background(), "rm -rf /"); !errors.Is(err, ErrBinaryNotAllowed) {
		t.Errorf("err = %v", err)
	}
	if _, err := r.Run(context.Background(), "/bin/echo hi"); !errors.Is(err, ErrUnsafeBinaryName) {
		t.Errorf("path binary err = %v", err)
	}
	if _, err := r.Run(context.Background(), ""); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("empty err = %v", err)
	}
}

func TestRunner_NoShellInterpolation(t *testing.T) {
	r := NewRunner(t.TempDir(), []string{"echo"}, time.Second)
	result, err := r.Run(context.Background(), "echo $HOME; ls")
	if err != nil {
		t.Fatal(err)
	}
	// The metacharacters arrive as literal argv text, not shell syntax.
	if !strings.Contains(result.Stdout, "$HOME; ls") {
		t.Errorf("stdout = %q, shell interpolation suspected", result.Stdout)
	}
}

func TestRunner_CapturesExitCode(t *testing.T) {
	r := NewRunner(t.TempDir(), []string{"ls"}, time.Second)
	result, err := r.Run(context.Background(), "ls /definitely/not/a/path")
	if err != nil {
		t.Fatal(err)
	}
	if result.ExitCode == 0 {
		t.Error("expected non-zero exit code")
	}
	if result.Stderr == "" {
		t.Error("expected stderr output")
	}
	if result.Cwd == "" || result.Command == "" {
		t.Errorf("result metadata incomplete: %+v", result)
	}
}

func TestRunner_TruncatesOutput(t *testing.T) {
	long := strings.Repeat("x", maxCapturedOutput+1000)
	got := truncateOutput(long)
	if len(got) > maxCapturedOutput+100 {
		t.Errorf("truncated length = %d", len(got))
	}
	if !strings.Contains(got, "truncated") {
		t.Error("truncation marker missing")
	}
}
