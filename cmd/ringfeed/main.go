// ringfeed stands in for the data-acquisition process: it creates the
// input ring and publishes blocks of noise-like quantized samples at a
// fixed cadence, for end-to-end testing of the injection bridge.
package main

import (
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/weaver/pkg/shmring"
)

func main() {
	hdrKey := flag.Int("hdr-key", 2031, "Ring header segment key")
	bufKey := flag.Int("buf-key", 2032, "Ring buffer segment key")
	capacity := flag.Int("blocks", 16, "Ring capacity in blocks")
	blockSize := flag.Int("block-size", 32*512*4096, "Block size in bytes")
	interval := flag.Duration("interval", 671*time.Millisecond, "Time between blocks")
	seed := flag.Int64("seed", 1, "Noise seed")
	flag.Parse()

	geo := shmring.Geometry{Capacity: *capacity, BlockSize: *blockSize}
	ring, err := shmring.Create(shmring.Keys{Header: *hdrKey, Buffer: *bufKey}, geo)
	if err != nil {
		log.Fatalf("Failed to create ring: %v", err)
	}
	defer ring.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	writer := shmring.NewWriter(ring)
	rng := rand.New(rand.NewSource(*seed))
	block := make([]byte, *blockSize)

	log.Printf("Feeding ring (keys %d/%d), %d blocks of %d bytes every %v",
		*hdrKey, *bufKey, *capacity, *blockSize, *interval)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	published := 0
	for {
		select {
		case <-sigChan:
			log.Printf("Stopping after %d blocks", published)
			return
		case <-ticker.C:
			rng.Read(block)
			writer.Publish(block)
			published++
			if published%16 == 0 {
				log.Printf("Published %d blocks", published)
			}
		}
	}
}
