// Command bench measures how long closing a batch takes: canonical encoding,
// compression, the content digest and the readings root.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"runtime/pprof"
	"time"

	"github.com/spacemeshos/meterproof/batch"
	"github.com/spacemeshos/meterproof/digest"
)

type result struct {
	readings    int
	closeTime   time.Duration
	payloadSize int
	rawSize     int
}

func readingsFor(round, n, devices int, start time.Time) []batch.Reading {
	readings := make([]batch.Reading, n)
	for i := range readings {
		readings[i] = batch.Reading{
			"device_id":        fmt.Sprintf("SIM_%03d", i%devices+1),
			"current":          1.0 + float64(i%7)/10,
			"voltage":          229.0 + float64(i%5)/2,
			"power":            float64(i%300) + 0.25,
			"total_energy_kwh": float64(round*n+i) / 1000,
			"timestamp":        start.Add(time.Duration(i) * time.Second).UTC().Format(time.RFC3339Nano),
		}
	}
	return readings
}

func benchmark(cfg *config) ([]result, error) {
	acc := batch.NewAccumulator(batch.Config{MaxBatchSize: cfg.Readings, MaxBatchAge: time.Hour})
	start := time.Now()
	results := make([]result, 0, cfg.Rounds)
	for round := 0; round < cfg.Rounds; round++ {
		for _, r := range readingsFor(round, cfg.Readings, cfg.Devices, start) {
			acc.Add(r)
		}
		t1 := time.Now()
		b, err := acc.CloseAndReset()
		if err != nil {
			return nil, fmt.Errorf("closing batch: %w", err)
		}
		elapsed := time.Since(t1)
		if !digest.VerifyPayload(b.Payload, b.Digest) {
			return nil, fmt.Errorf("payload of %s does not match its digest", b.ID)
		}
		raw, err := digest.Decompress(b.Payload)
		if err != nil {
			return nil, err
		}
		results = append(results, result{
			readings:    len(b.Readings),
			closeTime:   elapsed,
			payloadSize: len(b.Payload),
			rawSize:     len(raw),
		})
	}
	return results, nil
}

func report(w io.Writer, results []result) {
	var total time.Duration
	for i, r := range results {
		total += r.closeTime
		fmt.Fprintf(w, "batch %d: %d readings closed in %s, payload %s (canonical %s, %.1f%%)\n",
			i, r.readings, r.closeTime, ByteCountIEC(r.payloadSize), ByteCountIEC(r.rawSize),
			100*float64(r.payloadSize)/float64(r.rawSize))
	}
	if len(results) > 0 {
		avg := total / time.Duration(len(results))
		fmt.Fprintf(w, "average close time: %s (%.0f readings/s)\n",
			avg, float64(results[0].readings)/avg.Seconds())
	}
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		os.Exit(1)
	}

	if cfg.CPU {
		dir, err := os.Getwd()
		if err != nil {
			log.Fatal("cant get current dir", err)
		}

		profFilePath := path.Join(dir, "./CPU.prof")
		fmt.Printf("CPU profile: %s\n", profFilePath)

		f, err := os.Create(profFilePath)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	results, err := benchmark(cfg)
	if err != nil {
		log.Fatal(err)
	}
	report(os.Stdout, results)
}

func ByteCountIEC(b int) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB",
		float64(b)/float64(div), "KMGTPE"[exp])
}
