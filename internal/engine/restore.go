package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"securecore/internal/cryptocore"
	"securecore/internal/vault"
)

// RestoreResult summarizes one backup restore pass.
type RestoreResult struct {
	Imported int
	Dropped  int
}

// RestoreFromBackup fetches server-mirrored contact-secrets backups and
// imports every usable session snapshot into the registry.
// resolveConversation maps a peer account digest to the local conversation
// the restored session belongs to; digests it cannot resolve are dropped.
// An entry missing any required ratchet field is dropped, never partially
// imported.
func (e *Engine) RestoreFromBackup(ctx context.Context, limit int, resolveConversation func(peerAccountDigest string) (string, bool)) (RestoreResult, error) {
	var result RestoreResult
	resp, err := e.Server.ContactSecretsBackup(ctx, limit)
	if err != nil {
		return result, fmt.Errorf("engine: fetch backups: %w", err)
	}
	for _, raw := range resp.Backups {
		var b vault.Backup
		if err := json.Unmarshal(raw, &b); err != nil {
			result.Dropped++
			continue
		}
		if !b.WithDRState {
			continue
		}
		for _, entry := range b.Entries {
			conversationID, ok := resolveConversation(entry.PeerAccountDigest)
			if !ok {
				result.Dropped++
				continue
			}
			usable, dropped := entry.UsableDevices()
			result.Dropped += len(dropped)
			for deviceID, state := range usable {
				s, err := sessionFromBackup(state)
				if err != nil {
					result.Dropped++
					e.Logger.Warn("backup entry undecodable",
						"peer_digest", Prefix8(entry.PeerAccountDigest),
						"device", Prefix8(deviceID))
					continue
				}
				e.Sessions.Put(conversationID, deviceID, s)
				result.Imported++
			}
		}
	}
	return result, nil
}

// sessionFromBackup rebuilds a session from the four required ratchet
// fields of a backup entry. Chain state starts empty: an inbound message
// under a ratchet key other than the restored theirRatchetPub runs a DH
// ratchet step against the stored root key, as after a fresh X3DH; a
// message under the restored theirRatchetPub itself is opened against the
// empty receiving chain and fails.
func sessionFromBackup(b vault.BackupDRState) (*cryptocore.SessionState, error) {
	s := &cryptocore.SessionState{}
	for _, f := range []struct {
		dst []byte
		b64 string
	}{
		{s.RootKey[:], b.RootKeyB64},
		{s.TheirRatchetPub[:], b.TheirRatchetPubB64},
		{s.MyRatchetPrivate[:], b.MyRatchetPrivB64},
		{s.MyRatchetPublic[:], b.MyRatchetPubB64},
	} {
		raw, err := base64.StdEncoding.DecodeString(f.b64)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("engine: bad backup field encoding")
		}
		copy(f.dst, raw)
	}
	return s, nil
}
