package group

import (
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/teranos/roster/errors"
)

// AvatarRef is the content address of an uploaded avatar (CIDv1, raw codec, sha2-256).
// The empty ref means the group has no avatar.
type AvatarRef string

// ComputeAvatarRef returns the content address for avatar bytes.
func ComputeAvatarRef(data []byte) (AvatarRef, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", errors.Wrap(err, "failed to hash avatar")
	}
	return AvatarRef(cid.NewCidV1(cid.Raw, hash).String()), nil
}

// Verify checks that data is the content ref addresses.
// Any mismatch is a verification failure: the bytes must not be stored.
func (r AvatarRef) Verify(data []byte) error {
	c, err := cid.Decode(string(r))
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "invalid avatar ref %q", r), errors.ErrVerificationFailure)
	}
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "invalid multihash in %q", r), errors.ErrVerificationFailure)
	}
	sum, err := mh.Sum(data, decoded.Code, decoded.Length)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to hash avatar"), errors.ErrVerificationFailure)
	}
	if !c.Equals(cid.NewCidV1(c.Type(), sum)) {
		return errors.Wrapf(errors.ErrVerificationFailure, "avatar bytes do not match %s", r)
	}
	return nil
}

func (r AvatarRef) IsEmpty() bool {
	return r == ""
}
