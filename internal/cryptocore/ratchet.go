package cryptocore

// Double Ratchet core. SessionState mutation here assumes the caller holds
// the per-conversation lock: nothing in this file takes a lock itself.

const (
	infoRootKDF  = "securecore-root"
	infoChainKDF = "securecore-chain"
	infoMsgKDF   = "securecore-message"
)

// kdfRootChain derives a new root key and chain key from a DH output,
// mirroring the Signal-style root-key ratchet.
func kdfRootChain(rootKey, dhOut [32]byte) (newRoot, newChain [32]byte, err error) {
	if err := hkdfExpand(dhOut[:], rootKey[:], infoRootKDF, newRoot[:], newChain[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	return newRoot, newChain, nil
}

// kdfChainStep advances a chain key one step, returning the next chain key
// and the message key derived from the current one (symmetric-key ratchet).
func kdfChainStep(chainKey [32]byte) (nextChain, msgKey [32]byte, err error) {
	if err := hkdfExpand(chainKey[:], nil, infoChainKDF, nextChain[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	if err := hkdfExpand(chainKey[:], nil, infoMsgKDF, msgKey[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	return nextChain, msgKey, nil
}

// Encrypt advances the sending chain by one step and seals plaintext,
// producing the full wire packet. It never touches the receiving chain.
func Encrypt(s *SessionState, deviceID string, plaintext []byte) ([]byte, error) {
	return EncryptWithMeta(s, deviceID, plaintext, nil)
}

// EncryptWithMeta is Encrypt with caller-supplied header metadata, used for
// control traffic whose header carries a msg_type or other routing hints.
func EncryptWithMeta(s *SessionState, deviceID string, plaintext []byte, meta map[string]any) ([]byte, error) {
	nextChain, msgKey, err := kdfChainStep(s.SendChain.Key)
	if err != nil {
		return nil, err
	}
	h := MessageHeader{
		DR:       true,
		Version:  1,
		DeviceID: deviceID,
		EKPub:    s.MyRatchetPublic,
		PN:       s.PN,
		N:        s.SendChain.Counter,
		Meta:     meta,
	}
	iv, ciphertext, err := aeadSeal(msgKey, plaintext, canonicalAAD(h))
	if err != nil {
		return nil, err
	}
	s.SendChain.Key = nextChain
	s.SendChain.Counter++
	return encodeWirePacket(h, iv, ciphertext), nil
}

// Decrypt processes one incoming wire packet against live session state. It
// performs a DH ratchet step when the header's ratchet public key is new,
// fills any skipped-key gap up to the header's counter, and finally opens
// the ciphertext. Every failure mode maps to one of the cryptocore sentinel
// errors; none is retried internally.
func Decrypt(s *SessionState, raw []byte) ([]byte, error) {
	pt, _, _, err := DecryptReturningKey(s, raw)
	return pt, err
}

// DecryptReturningKey runs the same state machine as Decrypt but also
// returns the parsed header and the message key that was actually used,
// so a caller (Route B) can write that exact key to the vault without
// re-deriving it from chain state Decrypt has already advanced past.
func DecryptReturningKey(s *SessionState, raw []byte) ([]byte, MessageHeader, [32]byte, error) {
	h, iv, ciphertext, err := decodeWirePacket(raw)
	if err != nil {
		return nil, MessageHeader{}, [32]byte{}, err
	}

	if key, ok := takeSkippedKey(s, h.EKPub, h.N); ok {
		pt, err := aeadOpen(key, iv, ciphertext, canonicalAAD(h))
		if err != nil {
			return nil, h, [32]byte{}, ErrAeadFailed
		}
		return pt, h, key, nil
	}

	if h.EKPub != s.TheirRatchetPub {
		if supersededChain(s, h.EKPub) {
			// A message addressed to an already-replaced receiving chain
			// either resolves from the skipped store above or fails here.
			// Re-entering the DH step with a stale remote ratchet key
			// would push the session backward; that path does not exist.
			return nil, h, [32]byte{}, ErrSkippedKeyMissing
		}
		if err := dhRatchetStep(s, h); err != nil {
			return nil, h, [32]byte{}, err
		}
	}

	if h.N < s.RecvChain.Counter {
		// Counter regression against the current chain with no skipped
		// entry on file means the key was already consumed or never
		// existed at this position.
		return nil, h, [32]byte{}, ErrSkippedKeyMissing
	}

	if err := skipToCounter(s, s.TheirRatchetPub, h.N); err != nil {
		return nil, h, [32]byte{}, err
	}

	nextChain, msgKey, err := kdfChainStep(s.RecvChain.Key)
	if err != nil {
		return nil, h, [32]byte{}, err
	}
	s.RecvChain.Key = nextChain
	s.RecvChain.Counter = h.N + 1

	pt, err := aeadOpen(msgKey, iv, ciphertext, canonicalAAD(h))
	if err != nil {
		return nil, h, [32]byte{}, ErrAeadFailed
	}
	return pt, h, msgKey, nil
}

// dhRatchetStep performs the asymmetric (DH) ratchet step triggered by
// receiving a header whose ratchet public key has not been seen before.
// Before the receiving chain is replaced, its outstanding counters
// [current, header.pn-1] are derived up-front and deposited into the
// skipped store, capped like any other skip, so late-arriving messages
// addressed to the superseded chain resolve from there in any order. The
// chain's identity and final position are then recorded as a history
// shard.
func dhRatchetStep(s *SessionState, h MessageHeader) error {
	if h.EKPub == ([32]byte{}) {
		return ErrInvalidRemoteKey
	}

	if s.RecvChain.Key != ([32]byte{}) {
		if err := skipToCounter(s, s.TheirRatchetPub, h.PN); err != nil {
			return err
		}
		if err := stashHistoryShard(s); err != nil {
			return err
		}
	}

	s.PN = s.SendChain.Counter

	dh1, err := dh(s.MyRatchetPrivate, h.EKPub)
	if err != nil {
		return ErrInvalidRemoteKey
	}
	var dh1Arr [32]byte
	copy(dh1Arr[:], dh1)
	newRoot, newRecvChain, err := kdfRootChain(s.RootKey, dh1Arr)
	if err != nil {
		return err
	}
	s.RootKey = newRoot
	s.RecvChain = chainState{Key: newRecvChain, Counter: 0}
	s.TheirRatchetPub = h.EKPub

	kp, err := generateX25519KeyPair()
	if err != nil {
		return err
	}
	dh2, err := dh(kp.Private, h.EKPub)
	if err != nil {
		return ErrInvalidRemoteKey
	}
	var dh2Arr [32]byte
	copy(dh2Arr[:], dh2)
	newRoot2, newSendChain, err := kdfRootChain(s.RootKey, dh2Arr)
	if err != nil {
		return err
	}
	s.RootKey = newRoot2
	s.SendChain = chainState{Key: newSendChain, Counter: 0}
	s.MyRatchetPrivate = kp.Private
	s.MyRatchetPublic = kp.Public

	return nil
}

// stashHistoryShard records the current receiving chain's identity and
// final position before it is replaced, bounded by MaxHistoryShards.
// Overflow is a hard protocol error, never a silent eviction. Shards are a
// recognition record only; the superseded chain's message keys already
// live in the skipped store.
func stashHistoryShard(s *SessionState) error {
	if len(s.history) >= MaxHistoryShards {
		return ErrHistoryShardsFull
	}
	s.history = append(s.history, historyShard{
		TheirRatchetPub: s.TheirRatchetPub,
		ChainKey:        s.RecvChain.Key,
		Counter:         s.RecvChain.Counter,
	})
	return nil
}

// skipToCounter derives and stores message keys for every counter position
// between the chain's current counter and upto (exclusive), so a later
// out-of-order message can still be decrypted. Enforces both the
// per-chain and total skip caps as hard errors.
func skipToCounter(s *SessionState, ratchetPub [32]byte, upto uint32) error {
	if upto <= s.RecvChain.Counter {
		return nil
	}
	gap := upto - s.RecvChain.Counter
	if gap > MaxSkipPerChain {
		return ErrSkipLimitExceeded
	}
	if s.skipped == nil {
		s.skipped = make(map[skippedKeyID][32]byte)
	}
	if len(s.skipped)+int(gap) > MaxSkipTotal {
		return ErrSkipLimitExceeded
	}
	chainKey := s.RecvChain.Key
	counter := s.RecvChain.Counter
	for counter < upto {
		nextChain, msgKey, err := kdfChainStep(chainKey)
		if err != nil {
			return err
		}
		s.skipped[skippedKeyID{RatchetPub: ratchetPub, Counter: counter}] = msgKey
		chainKey = nextChain
		counter++
	}
	s.RecvChain.Key = chainKey
	s.RecvChain.Counter = counter
	return nil
}

// takeSkippedKey looks up and consumes (removes) a previously-deposited
// message key. Keys for both the live chain and superseded chains live in
// the same store; a miss is a miss, there is no secondary derivation path.
func takeSkippedKey(s *SessionState, ratchetPub [32]byte, counter uint32) ([32]byte, bool) {
	id := skippedKeyID{RatchetPub: ratchetPub, Counter: counter}
	key, ok := s.skipped[id]
	if ok {
		delete(s.skipped, id)
	}
	return key, ok
}

// supersededChain reports whether ratchetPub identifies a receiving chain
// a DH ratchet step has already replaced.
func supersededChain(s *SessionState, ratchetPub [32]byte) bool {
	for _, shard := range s.history {
		if shard.TheirRatchetPub == ratchetPub {
			return true
		}
	}
	return false
}
