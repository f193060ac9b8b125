package callback

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestFailureForTruncatesError(t *testing.T) {
	long := errors.New(strings.Repeat("x", 300))
	sig := FailureFor("tok", long)
	if len(sig.Error) != maxErrorLength {
		t.Errorf("len(Error) = %d, want %d", len(sig.Error), maxErrorLength)
	}
	if sig.Cause != long.Error() {
		t.Error("Cause was truncated")
	}

	short := FailureFor("tok", errors.New("fake-error"))
	if short.Error != "fake-error" || short.Cause != "fake-error" || short.TaskToken != "tok" {
		t.Errorf("FailureFor() = %+v", short)
	}
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	s := strings.Repeat("a", 255) + "é"
	got := truncate(s, 256)
	if !utf8.ValidString(got) || len(got) != 255 {
		t.Errorf("truncate() = %d bytes, valid=%v", len(got), utf8.ValidString(got))
	}
}
