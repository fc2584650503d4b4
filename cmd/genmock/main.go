// Command genmock generates a synthetic raw-signal fixture: bursts of
// correlated signals around Indonesian cities, plus background noise, in the
// exact collector JSON shape the engine consumes. The fixture doubles as
// seed data for local Kafka (one JSON record per line) and as a test corpus.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock/signals.jsonl -bursts 5 -noise 40 -seed 42
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/disaster-incident-service/internal/domain"
)

var baseTime = time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)

type city struct {
	name     string
	lat, lng float64
}

var cities = []city{
	{"jakarta", -6.2088, 106.8456},
	{"bandung", -6.9175, 107.6191},
	{"surabaya", -7.2575, 112.7521},
	{"semarang", -6.9667, 110.4167},
	{"medan", 3.5952, 98.6722},
}

var eventTypes = []string{"flood", "earthquake", "fire", "landslide"}

var socialSources = []string{"twitter", "tiktok", "instagram"}

var reportTexts = map[string][]string{
	"flood":      {"banjir naik sampai lutut", "air masuk rumah", "jalan tergenang total"},
	"earthquake": {"gempa terasa kencang", "lampu bergoyang", "warga keluar rumah"},
	"fire":       {"asap tebal dari pasar", "kebakaran di permukiman", "api membesar"},
	"landslide":  {"tanah longsor menutup jalan", "tebing runtuh", "material menimbun rumah"},
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "data/mock/signals.jsonl", "output path for the signal fixture")
	bursts := flag.Int("bursts", 5, "number of correlated signal bursts")
	noise := flag.Int("noise", 40, "number of uncorrelated background signals")
	seed := flag.Int64("seed", 42, "PRNG seed for reproducible fixtures")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))

	var records []domain.RawSignalRecord
	for i := 0; i < *bursts; i++ {
		records = append(records, makeBurst(rng, i)...)
	}
	records = append(records, makeNoise(rng, *noise)...)

	if err := writeJSONL(*out, records); err != nil {
		return fmt.Errorf("writing fixture: %w", err)
	}
	log.Printf("wrote %d signals (%d bursts, %d noise) to %s", len(records), *bursts, *noise, *out)
	return nil
}

// makeBurst generates 3-7 signals describing one event in one city within a
// 20 minute window. Every burst contains social posts; roughly half also get
// an official bulletin so promoted and alerted incidents both appear.
func makeBurst(rng *rand.Rand, n int) []domain.RawSignalRecord {
	c := cities[rng.Intn(len(cities))]
	eventType := eventTypes[rng.Intn(len(eventTypes))]
	start := baseTime.Add(time.Duration(n) * time.Hour)

	count := 3 + rng.Intn(5)
	recs := make([]domain.RawSignalRecord, 0, count+1)
	for i := 0; i < count; i++ {
		texts := reportTexts[eventType]
		recs = append(recs, domain.RawSignalRecord{
			Source:    socialSources[rng.Intn(len(socialSources))],
			Text:      fmt.Sprintf("%s (%s %d)", texts[rng.Intn(len(texts))], c.name, i),
			Lat:       jitter(rng, c.lat),
			Lng:       jitter(rng, c.lng),
			CityHint:  c.name,
			EventType: eventType,
			CreatedAt: start.Add(time.Duration(rng.Intn(20)) * time.Minute).Format(time.RFC3339),
		})
	}

	if rng.Intn(2) == 0 {
		recs = append(recs, domain.RawSignalRecord{
			Source:    "bmkg",
			Text:      fmt.Sprintf("peringatan %s wilayah %s", eventType, c.name),
			Lat:       jitter(rng, c.lat),
			Lng:       jitter(rng, c.lng),
			CityHint:  c.name,
			EventType: eventType,
			CreatedAt: start.Add(25 * time.Minute).Format(time.RFC3339),
		})
	}
	return recs
}

// makeNoise generates isolated signals spread across cities and hours, too
// sparse to cluster into anything promotable. A few carry the invalid
// coordinates real collectors emit, to exercise the rejection path.
func makeNoise(rng *rand.Rand, n int) []domain.RawSignalRecord {
	recs := make([]domain.RawSignalRecord, 0, n)
	for i := 0; i < n; i++ {
		c := cities[rng.Intn(len(cities))]
		eventType := eventTypes[rng.Intn(len(eventTypes))]
		rec := domain.RawSignalRecord{
			Source:    socialSources[rng.Intn(len(socialSources))],
			Text:      fmt.Sprintf("laporan tunggal %d", i),
			Lat:       jitter(rng, c.lat),
			Lng:       jitter(rng, c.lng),
			CityHint:  c.name,
			EventType: eventType,
			CreatedAt: baseTime.Add(time.Duration(rng.Intn(600)) * time.Minute).Format(time.RFC3339),
		}
		if i%13 == 0 {
			rec.Lat, rec.Lng = 0, 0 // unlocated post
		}
		recs = append(recs, rec)
	}
	return recs
}

// jitter offsets a coordinate by up to ~2km so burst members cluster without
// stacking on one point.
func jitter(rng *rand.Rand, v float64) float64 {
	return v + (rng.Float64()-0.5)*0.04
}

func writeJSONL(path string, records []domain.RawSignalRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return w.Flush()
}
