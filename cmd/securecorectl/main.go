// securecorectl is a small operator CLI around the client core: generate a
// device identity, run an in-process handshake demo, replay a
// conversation's history against a server, or restore sessions from a
// contact-secrets backup.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"securecore/internal/cryptocore"
	"securecore/internal/decision"
	"securecore/internal/engine"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	var err error
	switch cmd {
	case "identity":
		err = runIdentity(args)
	case "demo":
		err = runDemo(args)
	case "replay":
		err = runReplay(args)
	case "decide":
		err = runDecide(args)
	case "restore":
		err = runRestore(args)
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: securecorectl <command> [flags]

commands:
  identity   generate a device identity and write it to a state file
  demo       run an in-process two-device handshake and message exchange
  replay     reconcile a conversation's history against the server
  decide     evaluate the live-delivery decision table for a flag set
  restore    import sessions from the server's contact-secrets backups`)
	os.Exit(2)
}

func runIdentity(args []string) error {
	fs := flag.NewFlagSet("identity", flag.ContinueOnError)
	out := fs.String("out", "securecore-device.json", "path to write the device state file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dev, err := cryptocore.GenerateIdentityKeypair()
	if err != nil {
		return err
	}
	blob, err := cryptocore.ExportDevice(dev)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		return err
	}
	dhPub, signPub := dev.IdentityPublic()
	fmt.Printf("device written to %s\n", *out)
	fmt.Printf("  identity (dh):      %s\n", base64.StdEncoding.EncodeToString(dhPub[:]))
	fmt.Printf("  identity (signing): %s\n", base64.StdEncoding.EncodeToString(signPub))
	return nil
}

// runDemo exercises the full handshake and ratchet path with two
// in-process devices: X3DH, first message, a reply that forces a DH
// ratchet step, and an out-of-order delivery resolved from the skipped
// store.
func runDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	alice, err := cryptocore.GenerateIdentityKeypair()
	if err != nil {
		return err
	}
	bob, err := cryptocore.GenerateIdentityKeypair()
	if err != nil {
		return err
	}
	bundle, err := alice.PublishPrekeyBundle(1)
	if err != nil {
		return err
	}

	bobSession, handshake, err := cryptocore.InitSession(bob, bundle)
	if err != nil {
		return err
	}
	aliceSession, err := cryptocore.AcceptSession(alice, handshake)
	if err != nil {
		return err
	}

	first, err := cryptocore.Encrypt(bobSession, "bob-device", []byte("hello from bob"))
	if err != nil {
		return err
	}
	pt, err := cryptocore.Decrypt(aliceSession, first)
	if err != nil {
		return err
	}
	fmt.Printf("alice received: %q\n", pt)

	reply, err := cryptocore.Encrypt(aliceSession, "alice-device", []byte("hello back"))
	if err != nil {
		return err
	}
	pt, err = cryptocore.Decrypt(bobSession, reply)
	if err != nil {
		return err
	}
	fmt.Printf("bob received:   %q (after DH ratchet step)\n", pt)

	// Two more from bob, delivered to alice in reverse order.
	m2, err := cryptocore.Encrypt(bobSession, "bob-device", []byte("second"))
	if err != nil {
		return err
	}
	m3, err := cryptocore.Encrypt(bobSession, "bob-device", []byte("third"))
	if err != nil {
		return err
	}
	pt, err = cryptocore.Decrypt(aliceSession, m3)
	if err != nil {
		return err
	}
	fmt.Printf("alice received: %q (out of order)\n", pt)
	pt, err = cryptocore.Decrypt(aliceSession, m2)
	if err != nil {
		return err
	}
	fmt.Printf("alice received: %q (from skipped store)\n", pt)
	return nil
}

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	conversationID := fs.String("conversation", "", "conversation id (defaults to a fresh uuid)")
	peerDeviceID := fs.String("peer-device", "", "peer device id")
	limit := fs.Int("limit", 30, "page size")
	timeout := fs.Duration("timeout", 30*time.Second, "overall deadline")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *conversationID == "" {
		*conversationID = uuid.NewString()
	}
	if *peerDeviceID == "" {
		return fmt.Errorf("replay: -peer-device is required")
	}

	eng, err := bootEngine()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := eng.ReplayConversation(ctx, *conversationID, *peerDeviceID, *limit)
	if err != nil {
		return err
	}
	fmt.Printf("decrypted %d item(s), %d error(s)\n", len(result.Decrypted), len(result.Errors))
	for _, d := range result.Decrypted {
		fmt.Printf("  [%d] via %s: %q\n", d.Item.Counter, d.Route, d.Plaintext)
	}
	for _, e := range result.Errors {
		fmt.Printf("  [%d] failed: %s\n", e.Item.Counter, e.Reason)
	}
	return nil
}

func runDecide(args []string) error {
	fs := flag.NewFlagSet("decide", flag.ContinueOnError)
	event := fs.String("event", "ws_incoming", "event type")
	online := fs.Bool("online", true, "client is online")
	hasJob := fs.Bool("has-job", true, "event carries a valid live job")
	gap := fs.Bool("gap", false, "incoming counter is ahead of local max + 1")
	if err := fs.Parse(args); err != nil {
		return err
	}
	d := decision.Decide(decision.EventType(*event), decision.Flags{
		IsOnline:   *online,
		HasLiveJob: *hasJob,
		IsGap:      *gap,
	})
	fmt.Printf("%s/%s\n", d.Action, d.Reason)
	return nil
}

func runRestore(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	limit := fs.Int("limit", 10, "max backups to fetch")
	mapping := fs.String("map", "", "comma-separated digest=conversation pairs; unmapped digests are used as the conversation id")
	timeout := fs.Duration("timeout", 30*time.Second, "overall deadline")
	if err := fs.Parse(args); err != nil {
		return err
	}
	byDigest := map[string]string{}
	if *mapping != "" {
		for _, pair := range strings.Split(*mapping, ",") {
			digest, conv, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("restore: bad -map entry %q", pair)
			}
			byDigest[digest] = conv
		}
	}

	eng, err := bootEngine()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := eng.RestoreFromBackup(ctx, *limit, func(digest string) (string, bool) {
		if conv, ok := byDigest[digest]; ok {
			return conv, true
		}
		return digest, true
	})
	if err != nil {
		return err
	}
	fmt.Printf("imported %d session(s), dropped %d unusable entries\n", result.Imported, result.Dropped)
	return nil
}

func bootEngine() (*engine.Engine, error) {
	cfg := engine.Load()
	device, err := loadOrCreateDevice(cfg)
	if err != nil {
		return nil, err
	}
	var masterKey [32]byte
	if v := os.Getenv("SECURECORE_MASTER_KEY"); v != "" {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("SECURECORE_MASTER_KEY must be 32 base64 bytes")
		}
		copy(masterKey[:], raw)
	} else {
		if _, err := rand.Read(masterKey[:]); err != nil {
			return nil, err
		}
	}
	return engine.New(cfg, device, masterKey)
}

func loadOrCreateDevice(cfg engine.Config) (*cryptocore.Device, error) {
	path := os.Getenv("SECURECORE_DEVICE_FILE")
	if path == "" {
		path = "securecore-device.json"
	}
	if blob, err := os.ReadFile(path); err == nil {
		return cryptocore.ImportDevice(blob)
	}
	dev, err := cryptocore.GenerateIdentityKeypair()
	if err != nil {
		return nil, err
	}
	blob, err := cryptocore.ExportDevice(dev)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return nil, err
	}
	return dev, nil
}
