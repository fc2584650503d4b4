// Command validate checks a raw-signal fixture against the engine's
// ingestion invariants and the source trust table: every record must parse,
// carry in-bounds coordinates (or be counted as an expected rejection), and
// reference a catalogued source. It reports per-phase pass/fail so fixture
// regressions surface before they reach an integration run.
//
// Usage:
//
//	go run ./cmd/validate -signals data/mock/signals.jsonl -trust configs/sources.yaml
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/couchcryptid/disaster-incident-service/internal/domain"
	"github.com/couchcryptid/disaster-incident-service/internal/trust"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	signalsPath := flag.String("signals", "data/mock/signals.jsonl", "raw-signal fixture (one JSON record per line)")
	trustPath := flag.String("trust", "configs/sources.yaml", "source trust table")
	flag.Parse()

	phases := []*phase{
		validateTrustTable(*trustPath),
		validateSignals(*signalsPath, *trustPath),
	}

	failed := false
	for _, p := range phases {
		if p.passed() {
			fmt.Printf("PASS %s\n", p.name)
			continue
		}
		failed = true
		fmt.Printf("FAIL %s\n", p.name)
		for _, e := range p.errors {
			fmt.Printf("  - %s\n", e)
		}
	}
	if failed {
		os.Exit(1)
	}
}

func validateTrustTable(path string) *phase {
	p := &phase{name: "trust table"}

	table, err := trust.Load(path)
	if err != nil {
		p.errorf("load: %v", err)
		return p
	}

	// The scenarios the engine is tuned for assume official sources floor
	// past the default alert threshold and social posts stay well below it.
	if w := table.Weight("bmkg"); w < 0.70 {
		p.errorf("bmkg weight %.2f below urgency floor expectations", w)
	}
	for _, social := range []string{"twitter", "tiktok", "instagram"} {
		if w := table.Weight(social); w >= 0.35 {
			p.errorf("%s weight %.2f would promote a single post", social, w)
		}
	}
	return p
}

func validateSignals(path, trustPath string) *phase {
	p := &phase{name: "signal fixture"}

	table, err := trust.Load(trustPath)
	if err != nil {
		p.errorf("load trust table: %v", err)
		return p
	}

	f, err := os.Open(path)
	if err != nil {
		p.errorf("open: %v", err)
		return p
	}
	defer f.Close()

	var total, invalid, uncatalogued int
	perType := map[string]int{}

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		var rec domain.RawSignalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			p.errorf("line %d: unparseable: %v", line, err)
			continue
		}
		total++
		perType[rec.EventType]++

		if rec.CreatedAt != "" {
			if _, err := time.Parse(time.RFC3339, rec.CreatedAt); err != nil {
				p.errorf("line %d: created_at not RFC3339: %q", line, rec.CreatedAt)
			}
		}

		sig, err := domain.ParseRawSignal(domain.RawMessage{Value: scanner.Bytes()})
		if err != nil {
			p.errorf("line %d: parse: %v", line, err)
			continue
		}
		if err := sig.Validate(); err != nil {
			invalid++ // fixtures deliberately carry some unlocated posts
			continue
		}
		if !table.IsOfficial(sig.Source) && table.Weight(sig.Source) == table.DefaultWeight {
			uncatalogued++
		}
	}
	if err := scanner.Err(); err != nil {
		p.errorf("scan: %v", err)
	}

	if total == 0 {
		p.errorf("fixture is empty")
	}
	if uncatalogued > 0 {
		p.errorf("%d signals reference sources missing from the trust table", uncatalogued)
	}

	fmt.Printf("signals: %d total, %d invalid (expected rejects), types: %v\n", total, invalid, perType)
	return p
}
