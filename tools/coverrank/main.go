// Command coverrank ranks files or packages by statement coverage so test
// effort goes where it pays off:
//
//	go test ./... -coverprofile=cover.out
//	go run ./tools/coverrank -profile cover.out -by package
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
)

type bucket struct {
	name    string
	stmts   int64
	covered int64
}

func (b bucket) pct() float64 {
	if b.stmts == 0 {
		return 0
	}
	return float64(b.covered) * 100 / float64(b.stmts)
}

func main() {
	var (
		profile = flag.String("profile", "cover.out", "coverprofile written by go test")
		by      = flag.String("by", "file", "aggregation unit: file or package")
		worst   = flag.Int("worst", 25, "how many entries to print")
		minStmt = flag.Int64("min", 1, "skip entries with fewer statements")
	)
	flag.Parse()

	if *by != "file" && *by != "package" {
		fmt.Fprintf(os.Stderr, "coverrank: -by must be file or package, got %q\n", *by)
		os.Exit(2)
	}

	buckets, err := rank(*profile, *by == "package")
	if err != nil {
		fmt.Fprintf(os.Stderr, "coverrank: %v\n", err)
		os.Exit(1)
	}

	var kept []bucket
	var total, covered int64
	for _, b := range buckets {
		total += b.stmts
		covered += b.covered
		if b.stmts >= *minStmt {
			kept = append(kept, b)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].pct() != kept[j].pct() {
			return kept[i].pct() < kept[j].pct()
		}
		return kept[i].stmts > kept[j].stmts
	})
	if *worst < len(kept) {
		kept = kept[:*worst]
	}

	for _, b := range kept {
		fmt.Printf("%7.2f%%  %5d uncovered  %s\n", b.pct(), b.stmts-b.covered, b.name)
	}
	all := bucket{stmts: total, covered: covered}
	fmt.Printf("\ntotal: %.2f%% of %d statements\n", all.pct(), all.stmts)
}

// rank parses a coverprofile and aggregates per file or per directory.
// Line format after the mode header:
//
//	<file>:<start>,<end> <statements> <hit count>
func rank(profile string, byPackage bool) ([]bucket, error) {
	f, err := os.Open(profile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	agg := map[string]*bucket{}
	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if first {
			first = false
			if !strings.HasPrefix(line, "mode:") {
				return nil, fmt.Errorf("%s: missing mode header", profile)
			}
			continue
		}
		if line == "" {
			continue
		}

		loc, rest, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("malformed line %q", line)
		}
		file, _, ok := strings.Cut(loc, ":")
		if !ok || file == "" {
			return nil, fmt.Errorf("malformed location %q", loc)
		}
		stmtStr, hitStr, ok := strings.Cut(rest, " ")
		if !ok {
			return nil, fmt.Errorf("malformed counts %q", rest)
		}
		stmts, err := strconv.ParseInt(stmtStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("statement count %q: %w", stmtStr, err)
		}
		hits, err := strconv.ParseInt(hitStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("hit count %q: %w", hitStr, err)
		}

		key := file
		if byPackage {
			key = path.Dir(file)
		}
		b := agg[key]
		if b == nil {
			b = &bucket{name: key}
			agg[key] = b
		}
		b.stmts += stmts
		if hits > 0 {
			b.covered += stmts
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]bucket, 0, len(agg))
	for _, b := range agg {
		out = append(out, *b)
	}
	return out, nil
}
