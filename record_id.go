package textrace

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"strings"
	"time"
)

// RecordIDPrefix prefixes every caller visible certificate id.
const RecordIDPrefix = "NFT-"

// RecordIDGenerator creates caller visible certificate ids. Uniqueness is
// probabilistic, stores detect collisions per owner.
type RecordIDGenerator interface {
	NewRecordID(now time.Time) (string, error)
}

// RecordIDGeneratorFunc adapts a function to RecordIDGenerator.
type RecordIDGeneratorFunc func(now time.Time) (string, error)

func (f RecordIDGeneratorFunc) NewRecordID(now time.Time) (string, error) {
	return f(now)
}

var crockford = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// TimeRandomRecordIDs builds ids as NFT-<48 bit ms timestamp><40 random bits>,
// base32 encoded (crockford alphabet) so ids sort by creation time.
type TimeRandomRecordIDs struct{}

func (TimeRandomRecordIDs) NewRecordID(now time.Time) (string, error) {
	var buf [11]byte
	ms := uint64(now.UnixMilli())
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], ms)
	copy(buf[:6], ts[2:])
	if _, err := rand.Read(buf[6:]); err != nil {
		return "", err
	}
	return RecordIDPrefix + crockford.EncodeToString(buf[:]), nil
}

// IsRecordID reports whether s looks like a certificate record id.
func IsRecordID(s string) bool {
	return strings.HasPrefix(s, RecordIDPrefix) && len(s) > len(RecordIDPrefix)
}
