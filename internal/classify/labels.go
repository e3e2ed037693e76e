package classify

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Labels maps class indices to names.
type Labels map[int]string

// LoadLabels reads a labels file of "<index> <name>" lines, the format
// exported alongside image-classification models.
func LoadLabels(path string) (Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("labels file: %w", err)
	}
	defer f.Close()
	return ParseLabels(f)
}

// ParseLabels reads labels from r. Lines without both an integer index and a
// name are ignored.
func ParseLabels(r io.Reader) (Labels, error) {
	labels := make(Labels)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		idx, name, ok := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(idx)
		if err != nil {
			continue
		}
		labels[n] = strings.TrimSpace(name)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	return labels, nil
}

// Name returns the label for idx, or "Class <idx>" when unknown.
func (l Labels) Name(idx int) string {
	if name, ok := l[idx]; ok {
		return name
	}
	return fmt.Sprintf("Class %d", idx)
}
