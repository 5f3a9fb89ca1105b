package httputil

import (
	"fmt"
	"net/http"
	"strconv"
)

// FormInt parses the posted field name as a signed integer of bitSize bits.
// ok is false when the field is absent or empty.
func FormInt(r *http.Request, name string, bitSize int) (v int64, ok bool, err error) {
	s := r.PostForm.Get(name)
	if s == "" {
		return 0, false, nil
	}
	v, err = strconv.ParseInt(s, 10, bitSize)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s %q: must be a %d-bit integer", name, s, bitSize)
	}
	return v, true, nil
}

// FormBool reports whether a checkbox field was posted as "on".
func FormBool(r *http.Request, name string) bool {
	return r.PostForm.Get(name) == "on"
}
