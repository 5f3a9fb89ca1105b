package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("[capture] %.1f fps", 29.97)

	if got != "[capture] 30.0 fps" {
		t.Errorf("got %q, want %q", got, "[capture] 30.0 fps")
	}

	// nil installs a no-op logger
	got = ""
	SetLogger(nil)
	Logf("dropped")
	if got != "" {
		t.Errorf("no-op logger should not have reached the previous callback, got %q", got)
	}
}
