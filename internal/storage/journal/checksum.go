package journal

// ============================================================================
// Checksum
// Responsibility: CRC32 over the identifying fields of an entry
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum returns the CRC32-IEEE checksum of e. Timestamp and the
// checksum itself are excluded.
func CalculateChecksum(e Entry) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	for _, s := range []string{e.InputPath, e.ExpectedOutputPath, e.FinalOutputPath} {
		b.WriteByte('|')
		b.WriteString(s)
	}
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(e.Success))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(e.ExplicitFailure))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.Bytes, 10))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(e.ErrorCount))
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum reports whether e carries the checksum of its own fields.
func VerifyChecksum(e Entry) bool {
	return e.Checksum == CalculateChecksum(e)
}
