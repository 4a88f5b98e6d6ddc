package runtime

import (
	"crypto/sha1"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/talhaorak/peerengine/metainfo"
	"github.com/talhaorak/peerengine/pieces"
	"github.com/talhaorak/peerengine/piecemap"
	"github.com/talhaorak/peerengine/queue"
	"github.com/talhaorak/peerengine/trackerclient"
)

func buildTorrent(data []byte, pieceLen int64) *metainfo.Metainfo {
	var hashes []byte
	for i := 0; i < len(data); i += int(pieceLen) {
		end := i + int(pieceLen)
		if end > len(data) {
			end = len(data)
		}
		sum := sha1.Sum(data[i:end])
		hashes = append(hashes, sum[:]...)
	}
	return &metainfo.Metainfo{
		Name:        "movie.bin",
		PieceLength: pieceLen,
		PiecesHash:  hashes,
		Files:       []metainfo.File{{Path: "movie.bin", Length: int64(len(data))}},
		InfoHash:    [20]byte{9, 9, 9},
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

// TestTwoPeerTransfer runs a full seeder-to-leecher transfer end to end: a
// seeder runtime and an empty leecher runtime connected over real loopback TCP.
func TestTwoPeerTransfer(t *testing.T) {
	payload := make([]byte, 600000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	meta := buildTorrent(payload, 524288)
	pm, err := piecemap.Build(meta)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	seederRoot := t.TempDir()
	seederPM, err := pieces.Load(meta, pm, seederRoot)
	if err != nil {
		t.Fatalf("Load seeder: %v", err)
	}
	defer seederPM.Close()
	for i := 0; i < pm.TotalPieces(); i++ {
		start := i * 524288
		end := start + 524288
		if end > len(payload) {
			end = len(payload)
		}
		if err := seederPM.SavePiece(i, payload[start:end]); err != nil {
			t.Fatalf("seeding piece %d: %v", i, err)
		}
	}

	leecherRoot := t.TempDir()
	leecherPM, err := pieces.Load(meta, pm, leecherRoot)
	if err != nil {
		t.Fatalf("Load leecher: %v", err)
	}
	defer leecherPM.Close()

	log := zerolog.Nop()
	deadTracker := trackerclient.New("http://127.0.0.1:1/")

	seederPort := freePort(t)
	leecherPort := freePort(t)

	seederRT, err := New(meta, seederPM, queue.New(4), deadTracker, nil, Options{
		ListenIP: "127.0.0.1", ListenPort: seederPort, ReadTimeout: 2 * time.Second,
		AnnounceMinInterval: time.Hour, SessionJoinTimeout: 2 * time.Second,
	}, log)
	if err != nil {
		t.Fatalf("New seeder runtime: %v", err)
	}
	leecherRT, err := New(meta, leecherPM, queue.New(4), deadTracker, nil, Options{
		ListenIP: "127.0.0.1", ListenPort: leecherPort, ReadTimeout: 2 * time.Second,
		AnnounceMinInterval: time.Hour, SessionJoinTimeout: 2 * time.Second,
	}, log)
	if err != nil {
		t.Fatalf("New leecher runtime: %v", err)
	}

	if err := seederRT.Start(); err != nil {
		t.Fatalf("seeder Start: %v", err)
	}
	defer seederRT.Stop()
	if err := leecherRT.Start(); err != nil {
		t.Fatalf("leecher Start: %v", err)
	}
	defer leecherRT.Stop()

	leecherRT.Dial("127.0.0.1", seederPort)

	deadline := time.After(10 * time.Second)
	for {
		if len(leecherPM.NextMissing()) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("transfer did not complete, missing %v", leecherPM.NextMissing())
		case <-time.After(20 * time.Millisecond):
		}
	}

	got, err := os.ReadFile(leecherRoot + "/movie.bin/movie.bin")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte mismatch at offset %d", i)
		}
	}
}
