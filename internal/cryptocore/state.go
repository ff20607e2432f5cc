package cryptocore

import "encoding/json"

// Session and device state export/import. sessionSnapshot is the backup
// wire shape; deviceSnapshot additionally carries identity/prekey material
// so a whole device, not just one conversation's ratchet, can be
// snapshotted and restored.

type sessionSnapshot struct {
	RootKeyB64         string         `json:"rk_b64"`
	TheirRatchetPubB64 string         `json:"theirRatchetPub_b64"`
	MyRatchetPrivB64   string         `json:"myRatchetPriv_b64"`
	MyRatchetPubB64    string         `json:"myRatchetPub_b64"`
	SendChainKeyB64    string         `json:"send_chain_key_b64"`
	SendChainCounter   uint32         `json:"send_chain_counter"`
	RecvChainKeyB64    string         `json:"recv_chain_key_b64"`
	RecvChainCounter   uint32         `json:"recv_chain_counter"`
	PN                 uint32         `json:"pn"`
	Role               int            `json:"role"`
	Skipped            []skippedEntry `json:"skipped,omitempty"`
	History            []historyEntry `json:"history,omitempty"`
}

type skippedEntry struct {
	RatchetPubB64 string `json:"ratchet_pub_b64"`
	Counter       uint32 `json:"counter"`
	KeyB64        string `json:"key_b64"`
}

type historyEntry struct {
	RatchetPubB64 string `json:"ratchet_pub_b64"`
	ChainKeyB64   string `json:"chain_key_b64"`
	Counter       uint32 `json:"counter"`
}

// ExportSession serializes live session state into the backup format. The
// result is opaque to callers; the engine's session registry stores it in
// the local contact_secrets table.
func ExportSession(s *SessionState) ([]byte, error) {
	snap := sessionSnapshot{
		RootKeyB64:         b64enc(s.RootKey[:]),
		TheirRatchetPubB64: b64enc(s.TheirRatchetPub[:]),
		MyRatchetPrivB64:   b64enc(s.MyRatchetPrivate[:]),
		MyRatchetPubB64:    b64enc(s.MyRatchetPublic[:]),
		SendChainKeyB64:    b64enc(s.SendChain.Key[:]),
		SendChainCounter:   s.SendChain.Counter,
		RecvChainKeyB64:    b64enc(s.RecvChain.Key[:]),
		RecvChainCounter:   s.RecvChain.Counter,
		PN:                 s.PN,
		Role:               int(s.Role),
	}
	for id, key := range s.skipped {
		snap.Skipped = append(snap.Skipped, skippedEntry{
			RatchetPubB64: b64enc(id.RatchetPub[:]),
			Counter:       id.Counter,
			KeyB64:        b64enc(key[:]),
		})
	}
	for _, h := range s.history {
		snap.History = append(snap.History, historyEntry{
			RatchetPubB64: b64enc(h.TheirRatchetPub[:]),
			ChainKeyB64:   b64enc(h.ChainKey[:]),
			Counter:       h.Counter,
		})
	}
	return json.Marshal(snap)
}

// ImportSession parses a backup blob produced by ExportSession back into
// live session state.
func ImportSession(blob []byte) (*SessionState, error) {
	var snap sessionSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, ErrBadHeader
	}
	s := &SessionState{
		PN:   snap.PN,
		Role: SessionRole(snap.Role),
	}
	if err := fill32(s.RootKey[:], snap.RootKeyB64); err != nil {
		return nil, err
	}
	if err := fill32(s.TheirRatchetPub[:], snap.TheirRatchetPubB64); err != nil {
		return nil, err
	}
	if err := fill32(s.MyRatchetPrivate[:], snap.MyRatchetPrivB64); err != nil {
		return nil, err
	}
	if err := fill32(s.MyRatchetPublic[:], snap.MyRatchetPubB64); err != nil {
		return nil, err
	}
	if err := fill32(s.SendChain.Key[:], snap.SendChainKeyB64); err != nil {
		return nil, err
	}
	s.SendChain.Counter = snap.SendChainCounter
	if err := fill32(s.RecvChain.Key[:], snap.RecvChainKeyB64); err != nil {
		return nil, err
	}
	s.RecvChain.Counter = snap.RecvChainCounter

	if len(snap.Skipped) > 0 {
		s.skipped = make(map[skippedKeyID][32]byte, len(snap.Skipped))
		for _, e := range snap.Skipped {
			var id skippedKeyID
			if err := fill32(id.RatchetPub[:], e.RatchetPubB64); err != nil {
				return nil, err
			}
			id.Counter = e.Counter
			var key [32]byte
			if err := fill32(key[:], e.KeyB64); err != nil {
				return nil, err
			}
			s.skipped[id] = key
		}
	}
	for _, e := range snap.History {
		var shard historyShard
		if err := fill32(shard.TheirRatchetPub[:], e.RatchetPubB64); err != nil {
			return nil, err
		}
		if err := fill32(shard.ChainKey[:], e.ChainKeyB64); err != nil {
			return nil, err
		}
		shard.Counter = e.Counter
		s.history = append(s.history, shard)
	}
	return s, nil
}

func fill32(dst []byte, b64 string) error {
	b, err := b64dec(b64)
	if err != nil || len(b) != 32 {
		return ErrBadHeader
	}
	copy(dst, b)
	return nil
}

// deviceSnapshot is the full-device export: identity, signed prekey, and
// outstanding one-time prekeys, on top of whatever conversation sessions a
// caller chooses to export alongside it.
type deviceSnapshot struct {
	SigningPublicB64  string            `json:"signing_public_b64"`
	SigningPrivateB64 string            `json:"signing_private_b64"`
	DHPrivateB64      string            `json:"dh_private_b64"`
	DHPublicB64       string            `json:"dh_public_b64"`
	SignedPrekeyPriv  string            `json:"signed_prekey_priv_b64"`
	SignedPrekeyPub   string            `json:"signed_prekey_pub_b64"`
	SignedSigB64      string            `json:"signed_sig_b64"`
	NextOTKID         uint32            `json:"next_otk_id"`
	OneTime           map[uint32]string `json:"one_time_b64,omitempty"`
}

// ExportDevice serializes a device's identity and prekey material so it can
// be restored on reinstall or migrated between client instances.
func ExportDevice(d *Device) ([]byte, error) {
	snap := deviceSnapshot{
		SigningPublicB64:  b64enc(d.identity.signingPublic),
		SigningPrivateB64: b64enc(d.identity.signingPrivate),
		DHPrivateB64:      b64enc(d.identity.dhPrivate[:]),
		DHPublicB64:       b64enc(d.identity.dhPublic[:]),
		SignedPrekeyPriv:  b64enc(d.signedPrekey.Private[:]),
		SignedPrekeyPub:   b64enc(d.signedPrekey.Public[:]),
		SignedSigB64:      b64enc(d.signedSig),
		NextOTKID:         d.nextOTKID,
	}
	if len(d.oneTime) > 0 {
		snap.OneTime = make(map[uint32]string, len(d.oneTime))
		for id, e := range d.oneTime {
			snap.OneTime[id] = b64enc(e.key.Private[:]) + ":" + b64enc(e.key.Public[:])
		}
	}
	return json.Marshal(snap)
}

// ImportDevice restores a device previously serialized by ExportDevice.
func ImportDevice(blob []byte) (*Device, error) {
	var snap deviceSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, ErrBadHeader
	}
	d := &Device{oneTime: make(map[uint32]oneTimeEntry), nextOTKID: snap.NextOTKID}

	signingPub, err := b64dec(snap.SigningPublicB64)
	if err != nil {
		return nil, ErrBadHeader
	}
	signingPriv, err := b64dec(snap.SigningPrivateB64)
	if err != nil {
		return nil, ErrBadHeader
	}
	d.identity.signingPublic = signingPub
	d.identity.signingPrivate = signingPriv
	if err := fill32(d.identity.dhPrivate[:], snap.DHPrivateB64); err != nil {
		return nil, err
	}
	if err := fill32(d.identity.dhPublic[:], snap.DHPublicB64); err != nil {
		return nil, err
	}
	if err := fill32(d.signedPrekey.Private[:], snap.SignedPrekeyPriv); err != nil {
		return nil, err
	}
	if err := fill32(d.signedPrekey.Public[:], snap.SignedPrekeyPub); err != nil {
		return nil, err
	}
	sig, err := b64dec(snap.SignedSigB64)
	if err != nil {
		return nil, ErrBadHeader
	}
	d.signedSig = sig

	for id, combined := range snap.OneTime {
		sep := -1
		for i := 0; i < len(combined); i++ {
			if combined[i] == ':' {
				sep = i
				break
			}
		}
		if sep < 0 {
			return nil, ErrBadHeader
		}
		var kp keyPair
		if err := fill32(kp.Private[:], combined[:sep]); err != nil {
			return nil, err
		}
		if err := fill32(kp.Public[:], combined[sep+1:]); err != nil {
			return nil, err
		}
		d.oneTime[id] = oneTimeEntry{key: kp}
	}
	return d, nil
}
