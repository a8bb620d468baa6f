package bam

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/hts/sam"
)

// Region is a genomic interval parsed from a region token. Start and End form
// a 0-based, half-open interval on the contig RefName. A token that names only
// a contig covers the whole contig, which is represented by End=math.MaxInt32
// until the region is resolved against a header.
type Region struct {
	// Token is the text the region was parsed from.
	Token   string
	RefName string
	Start   int
	End     int
}

// ResolvedRegion is a Region bound to a reference of a particular header.
type ResolvedRegion struct {
	Region
	Ref *sam.Reference
}

// samtools-compatible "chr:beg-end", 1-based closed.
var regionRE = regexp.MustCompile(`^(.+):([0-9]+)-([0-9]+)$`)

// ParseRegion parses a region token of form "chr" or "chr:beg-end". The
// second form is the same as samtools': [beg,end] is a 1-based, closed
// interval.
func ParseRegion(token string) (Region, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Region{}, fmt.Errorf("empty region token")
	}
	if m := regionRE.FindStringSubmatch(token); m != nil {
		begin, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return Region{}, fmt.Errorf("%s: %v", token, err)
		}
		end, err := strconv.ParseInt(m[3], 10, 64)
		if err != nil {
			return Region{}, fmt.Errorf("%s: %v", token, err)
		}
		if begin < 1 || end < begin || end > math.MaxInt32 {
			return Region{}, fmt.Errorf("%s: invalid interval [%d,%d]", token, begin, end)
		}
		return Region{Token: token, RefName: m[1], Start: int(begin - 1), End: int(end)}, nil
	}
	if strings.ContainsAny(token, " \t") {
		return Region{}, fmt.Errorf("%s: must be of form 'chr' or 'chr:beg-end'", token)
	}
	return Region{Token: token, RefName: token, Start: 0, End: math.MaxInt32}, nil
}

// ParseRegions parses a list of region tokens. Each element may itself be a
// comma-separated list.
func ParseRegions(tokens []string) ([]Region, error) {
	var regions []Region
	for _, t := range tokens {
		for _, tok := range splitTokens(t) {
			r, err := ParseRegion(tok)
			if err != nil {
				return nil, err
			}
			regions = append(regions, r)
		}
	}
	return regions, nil
}

func splitTokens(s string) []string {
	var tokens []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			tokens = append(tokens, part)
		}
	}
	return tokens
}

// UnknownContigError is returned by ResolveRegions when a region names a
// contig that is not in the header.
type UnknownContigError struct {
	Token  string
	Contig string
}

func (e *UnknownContigError) Error() string {
	return fmt.Sprintf("region %q: reference %v not found in header", e.Token, e.Contig)
}

// ResolveRegions binds regions to the references of header. The result is
// sorted by (reference ID, start) with overlapping or abutting regions on the
// same reference merged, so that iterating it visits each genomic position
// once. A region naming a contig that is absent from the header is an error.
func ResolveRegions(header *sam.Header, regions []Region) ([]ResolvedRegion, error) {
	byName := make(map[string]*sam.Reference, len(header.Refs()))
	for _, ref := range header.Refs() {
		byName[ref.Name()] = ref
	}
	resolved := make([]ResolvedRegion, 0, len(regions))
	for _, r := range regions {
		ref, ok := byName[r.RefName]
		if !ok {
			return nil, &UnknownContigError{Token: r.Token, Contig: r.RefName}
		}
		if r.End > ref.Len() {
			r.End = ref.Len()
		}
		if r.Start >= r.End {
			return nil, fmt.Errorf("region %q: empty after clipping to %s length %d", r.Token, ref.Name(), ref.Len())
		}
		resolved = append(resolved, ResolvedRegion{Region: r, Ref: ref})
	}
	sort.SliceStable(resolved, func(i, j int) bool {
		if resolved[i].Ref.ID() != resolved[j].Ref.ID() {
			return resolved[i].Ref.ID() < resolved[j].Ref.ID()
		}
		return resolved[i].Start < resolved[j].Start
	})
	merged := resolved[:0]
	for _, r := range resolved {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.Ref.ID() == r.Ref.ID() && r.Start <= last.End {
				if r.End > last.End {
					last.End = r.End
				}
				last.Token = last.Token + "," + r.Token
				continue
			}
		}
		merged = append(merged, r)
	}
	return merged, nil
}

// Overlaps returns true if the alignment of rec overlaps r. Records without
// an alignment span (e.g. unmapped reads placed at their mate's position) are
// treated as covering one base at their position.
func (r ResolvedRegion) Overlaps(rec *sam.Record) bool {
	if rec.Ref == nil || rec.Ref.ID() != r.Ref.ID() || rec.Pos < 0 {
		return false
	}
	end := rec.End()
	if end <= rec.Pos {
		end = rec.Pos + 1
	}
	return rec.Pos < r.End && end > r.Start
}

// String returns "name:beg-end" with a 1-based closed interval.
func (r ResolvedRegion) String() string {
	return fmt.Sprintf("%s:%d-%d", r.Ref.Name(), r.Start+1, r.End)
}
