// ringtap drains a ring to a raw file for offline inspection, following
// the bridge's cursor discipline (poll, realign, copy-then-advance).
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/weaver/pkg/shmring"
)

func main() {
	hdrKey := flag.Int("hdr-key", 5031, "Ring header segment key")
	bufKey := flag.Int("buf-key", 5032, "Ring buffer segment key")
	capacity := flag.Int("blocks", 16, "Ring capacity in blocks")
	blockSize := flag.Int("block-size", 32*512*4096, "Block size in bytes")
	outPath := flag.String("o", "tap.raw", "Output file")
	poll := flag.Duration("poll", 2*time.Millisecond, "Poll interval while waiting")
	flag.Parse()

	geo := shmring.Geometry{Capacity: *capacity, BlockSize: *blockSize}
	ring, err := shmring.Attach(shmring.Keys{Header: *hdrKey, Buffer: *bufKey}, geo)
	if err != nil {
		log.Fatalf("Shared memory does not exist: %v", err)
	}
	defer ring.Close()

	out, err := os.Create(*outPath)
	if err != nil {
		log.Fatalf("Could not open output file: %v", err)
	}
	defer out.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		<-sigChan
		close(done)
	}()

	reader := shmring.NewReader(ring)
	block := make([]byte, *blockSize)

	log.Printf("Tapping ring (keys %d/%d) to %s", *hdrKey, *bufKey, *outPath)
	for {
		if err := reader.Wait(done, *poll); err != nil {
			log.Printf("Stopping at block %d", reader.Next())
			return
		}
		if jumped, skipped := reader.Realign(); jumped {
			log.Printf("Realigning, skipped %d blocks", skipped)
		}
		n := reader.Consume(block)
		if _, err := out.Write(block); err != nil {
			log.Fatalf("Write failed at block %d: %v", n, err)
		}
	}
}
