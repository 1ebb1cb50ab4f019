package main

import (
	"testing"

	"github.com/jangala-dev/visionspi/engine"
)

func TestFormatResultFlags(t *testing.T) {
	cases := []struct {
		flags engine.ResultFlags
		want  string
	}{
		{0, "(none)"},
		{engine.ResultAcked, "acked"},
		{engine.ResultAcked | engine.ResultResponse, "acked|response"},
		{engine.ResultError | engine.ResultOverflow, "error|overflow"},
	}
	for _, c := range cases {
		if got := formatResultFlags(c.flags); got != c.want {
			t.Errorf("formatResultFlags(%v) = %q, want %q", c.flags, got, c.want)
		}
	}
}

func TestFormatIDs(t *testing.T) {
	if got := formatIDs(nil); got != "(none)" {
		t.Errorf("formatIDs(nil) = %q, want (none)", got)
	}
	if got := formatIDs([]int{3, 1}); got != "3,1" {
		t.Errorf("formatIDs([3,1]) = %q, want 3,1", got)
	}
}
