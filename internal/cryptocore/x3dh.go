package cryptocore

import "crypto/ed25519"

// X3DH handshake. InitSession is the initiator path run against a peer's
// published PrekeyBundle. AcceptSession is the responder-side bootstrap for
// the first message of a brand-new conversation, needed wherever a device
// receives a first-contact handshake message rather than only ever
// initiating.

// InitSession runs the X3DH initiator handshake against peerBundle and
// returns the resulting session state plus the HandshakeMessage to attach
// to the first outgoing ciphertext's header.
func InitSession(self *Device, peerBundle *PrekeyBundle) (*SessionState, *HandshakeMessage, error) {
	if peerBundle == nil {
		return nil, nil, ErrBadPeerBundle
	}
	if !ed25519.Verify(peerBundle.IdentitySignatureKey, peerBundle.SignedPrekey[:], peerBundle.SignedPrekeySig) {
		return nil, nil, ErrBadPeerBundle
	}

	eph, err := generateX25519KeyPair()
	if err != nil {
		return nil, nil, err
	}

	dh1, err := dh(self.identity.dhPrivate, peerBundle.SignedPrekey)
	if err != nil {
		return nil, nil, ErrBadPeerBundle
	}
	dh2, err := dh(eph.Private, peerBundle.IdentityKey)
	if err != nil {
		return nil, nil, ErrBadPeerBundle
	}
	dh3, err := dh(eph.Private, peerBundle.SignedPrekey)
	if err != nil {
		return nil, nil, ErrBadPeerBundle
	}

	secret := make([]byte, 0, 32*4)
	secret = append(secret, dh1...)
	secret = append(secret, dh2...)
	secret = append(secret, dh3...)

	var otkID *uint32
	if len(peerBundle.OneTimePrekeys) > 0 {
		otk := peerBundle.OneTimePrekeys[0]
		dh4, err := dh(eph.Private, otk.Public)
		if err != nil {
			return nil, nil, ErrBadPeerBundle
		}
		secret = append(secret, dh4...)
		id := otk.ID
		otkID = &id
	}

	var rootKey [32]byte
	if err := hkdfExpand(secret, nil, "securecore-x3dh", rootKey[:]); err != nil {
		return nil, nil, err
	}

	ratchetKP, err := generateX25519KeyPair()
	if err != nil {
		return nil, nil, err
	}
	dhInit, err := dh(ratchetKP.Private, peerBundle.SignedPrekey)
	if err != nil {
		return nil, nil, ErrBadPeerBundle
	}
	var dhInitArr [32]byte
	copy(dhInitArr[:], dhInit)
	newRoot, sendChainKey, err := kdfRootChain(rootKey, dhInitArr)
	if err != nil {
		return nil, nil, err
	}

	state := &SessionState{
		RootKey:          newRoot,
		SendChain:        chainState{Key: sendChainKey},
		MyRatchetPrivate: ratchetKP.Private,
		MyRatchetPublic:  ratchetKP.Public,
		TheirRatchetPub:  peerBundle.SignedPrekey,
		Role:             RoleInitiator,
	}

	selfDH, selfSign := self.IdentityPublic()
	hs := &HandshakeMessage{
		IdentityKey:          selfDH,
		IdentitySignatureKey: selfSign,
		EphemeralKey:         eph.Public,
		OneTimePrekeyID:      otkID,
	}
	return state, hs, nil
}

// AcceptSession runs the X3DH responder bootstrap: given the handshake
// material attached to a peer's first message, it derives the same shared
// secret the initiator derived and produces session state ready to receive
// the remainder of that first message. It consumes the referenced one-time
// prekey from self's pool, if any, so it is never reused.
//
// This path is gated to explicit first-contact flows only; a session must
// never silently fall back to AcceptSession when InitSession's state is
// simply missing.
func AcceptSession(self *Device, hs *HandshakeMessage) (*SessionState, error) {
	if hs == nil {
		return nil, ErrBadPeerBundle
	}
	if len(hs.IdentitySignatureKey) != ed25519.PublicKeySize {
		return nil, ErrBadPeerBundle
	}

	dh1, err := dh(self.signedPrekey.Private, hs.IdentityKey)
	if err != nil {
		return nil, ErrBadPeerBundle
	}
	dh2, err := dh(self.identity.dhPrivate, hs.EphemeralKey)
	if err != nil {
		return nil, ErrBadPeerBundle
	}
	dh3, err := dh(self.signedPrekey.Private, hs.EphemeralKey)
	if err != nil {
		return nil, ErrBadPeerBundle
	}

	secret := make([]byte, 0, 32*4)
	secret = append(secret, dh1...)
	secret = append(secret, dh2...)
	secret = append(secret, dh3...)

	if hs.OneTimePrekeyID != nil {
		entry, ok := self.oneTime[*hs.OneTimePrekeyID]
		if !ok {
			return nil, ErrMissingOneTimeKey
		}
		dh4, err := dh(entry.key.Private, hs.EphemeralKey)
		if err != nil {
			return nil, ErrBadPeerBundle
		}
		secret = append(secret, dh4...)
		delete(self.oneTime, *hs.OneTimePrekeyID)
	}

	var rootKey [32]byte
	if err := hkdfExpand(secret, nil, "securecore-x3dh", rootKey[:]); err != nil {
		return nil, err
	}

	state := &SessionState{
		RootKey:          rootKey,
		MyRatchetPrivate: self.signedPrekey.Private,
		MyRatchetPublic:  self.signedPrekey.Public,
		Role:             RoleResponder,
	}
	return state, nil
}
