package cryptocore

import (
	"crypto/ed25519"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// GenerateIdentityKeypair creates a new device identity: an Ed25519 signing
// key pair and the X25519 key material derived from it for Diffie-Hellman,
// plus a freshly rotated signed prekey. Session state is per-conversation;
// this is the conversation-independent device identity X3DH builds on.
func GenerateIdentityKeypair() (*Device, error) {
	seed := make([]byte, ed25519.SeedSize)
	if err := readRandom(seed); err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	dhPriv := ed25519PrivToCurve25519(priv)
	dhPubSlice, err := dh(dhPriv, curve25519Basepoint())
	if err != nil {
		return nil, err
	}
	var dhPub [32]byte
	copy(dhPub[:], dhPubSlice)

	dev := &Device{
		identity: identityKeyPair{
			signingPublic:  append(ed25519.PublicKey(nil), pub...),
			signingPrivate: append(ed25519.PrivateKey(nil), priv...),
			dhPrivate:      dhPriv,
			dhPublic:       dhPub,
		},
		oneTime:   make(map[uint32]oneTimeEntry),
		nextOTKID: 1,
	}
	if err := dev.rotateSignedPrekey(); err != nil {
		return nil, err
	}
	return dev, nil
}

func (d *Device) rotateSignedPrekey() error {
	kp, err := generateX25519KeyPair()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(d.identity.signingPrivate, kp.Public[:])
	d.signedPrekey = kp
	d.signedSig = append([]byte(nil), sig...)
	return nil
}

// RotateSignedPrekey replaces the device's current signed prekey with a
// freshly generated one, re-signed with the device's identity key. Callers
// are responsible for publishing the new bundle; any one-time prekeys
// already published under the old signed prekey remain valid until
// consumed.
func (d *Device) RotateSignedPrekey() error {
	if d == nil {
		return errors.New("cryptocore: nil device")
	}
	return d.rotateSignedPrekey()
}

// PublishPrekeyBundle generates a signed prekey bundle with the requested
// number of fresh one-time prekeys. The bundle contains only public
// material and can be shared with other devices through the keys-service
// collaborator.
func (d *Device) PublishPrekeyBundle(oneTimeCount int) (*PrekeyBundle, error) {
	if d == nil {
		return nil, errors.New("cryptocore: nil device")
	}
	if d.signedPrekey.Public == ([32]byte{}) {
		if err := d.rotateSignedPrekey(); err != nil {
			return nil, err
		}
	}
	bundle := &PrekeyBundle{
		IdentityKey:          d.identity.dhPublic,
		IdentitySignatureKey: append([]byte(nil), d.identity.signingPublic...),
		SignedPrekey:         d.signedPrekey.Public,
		SignedPrekeySig:      append([]byte(nil), d.signedSig...),
	}
	if oneTimeCount < 0 {
		oneTimeCount = 0
	}
	if oneTimeCount > 0 {
		bundle.OneTimePrekeys = make([]OneTimePrekey, 0, oneTimeCount)
	}
	for i := 0; i < oneTimeCount; i++ {
		kp, err := generateX25519KeyPair()
		if err != nil {
			return nil, err
		}
		id := d.nextOTKID
		d.nextOTKID++
		d.oneTime[id] = oneTimeEntry{key: kp}
		bundle.OneTimePrekeys = append(bundle.OneTimePrekeys, OneTimePrekey{ID: id, Public: kp.Public})
	}
	return bundle, nil
}

// IdentityPublic returns the static public keys for the device.
func (d *Device) IdentityPublic() (dhPub [32]byte, signing ed25519.PublicKey) {
	if d == nil {
		return [32]byte{}, nil
	}
	return d.identity.dhPublic, append(ed25519.PublicKey(nil), d.identity.signingPublic...)
}

func curve25519Basepoint() [32]byte {
	var bp [32]byte
	copy(bp[:], curve25519.Basepoint)
	return bp
}
