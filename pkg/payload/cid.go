// pkg/payload/cid.go
package payload

import (
	"strings"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// CID returns the content identifier of a content-addressed locator
// ("ipfs://<cid>" or a gateway URL containing "/ipfs/<cid>").
func (l Locator) CID() (cid.Cid, bool) {
	var ref string
	switch {
	case strings.HasPrefix(l.URL, "ipfs://"):
		ref = strings.TrimPrefix(l.URL, "ipfs://")
	case strings.Contains(l.URL, "/ipfs/"):
		ref = l.URL[strings.Index(l.URL, "/ipfs/")+len("/ipfs/"):]
	default:
		return cid.Undef, false
	}
	if i := strings.IndexAny(ref, "/?#"); i >= 0 {
		ref = ref[:i]
	}
	c, err := cid.Decode(ref)
	if err != nil {
		return cid.Undef, false
	}
	return c, true
}

// Digest returns the base58 SHA2-256 multihash of the encoded payload.
func Digest(p Payload) (string, error) {
	data, err := Encode(p)
	if err != nil {
		return "", err
	}
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return hash.B58String(), nil
}
