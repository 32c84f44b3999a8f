package netsim

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/treelet-sim/treelet-sim/cloud"
)

// LoadMapping reads a treelet placement: line i lists the treelets worker i
// owns, separated by spaces or commas. Blank lines and lines starting with
// '#' are skipped.
func LoadMapping(r io.Reader) ([][]cloud.TreeletID, error) {
	var mapping [][]cloud.TreeletID
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
		owned := make([]cloud.TreeletID, 0, len(fields))
		for _, f := range fields {
			id, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("mapping line %d: %w", line, err)
			}
			owned = append(owned, cloud.TreeletID(id))
		}
		mapping = append(mapping, owned)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading mapping: %w", err)
	}
	return mapping, nil
}

// RoundRobinMapping gives treelet t to worker t mod workers.
func RoundRobinMapping(workers, treelets int) [][]cloud.TreeletID {
	mapping := make([][]cloud.TreeletID, workers)
	for t := 0; t < treelets; t++ {
		mapping[t%workers] = append(mapping[t%workers], cloud.TreeletID(t))
	}
	return mapping
}
