package perception

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
)

// LoadLabels reads a class label table: whitespace separated tokens, one
// label per token in class order. A missing file yields no labels.
func LoadLabels(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	var labels []string
	sc := bufio.NewScanner(f)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		labels = append(labels, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read labels %s: %w", path, err)
	}
	return labels, nil
}

// ReconcileLabels matches a label table to a model's class count. Models
// that reserve class 0 for background ship one label short; a "fake" label
// is prepended so ids line up. Any other mismatch discards the table.
func ReconcileLabels(labels []string, numClasses int) []string {
	switch {
	case len(labels) == 0:
		return nil
	case len(labels) == numClasses:
		return labels
	case len(labels) == numClasses-1:
		return append([]string{"fake"}, labels...)
	default:
		return nil
	}
}

// LabelText names class id, falling back to "label #<id>".
func LabelText(labels []string, id int) string {
	if id >= 0 && id < len(labels) {
		return labels[id]
	}
	return "label #" + strconv.Itoa(id)
}
