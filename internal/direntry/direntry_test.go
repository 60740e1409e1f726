package direntry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func toShort(s string) [11]byte {
	var out [11]byte
	copy(out[:], s)
	return out
}

func TestDecode_BasicFields(t *testing.T) {
	at := time.Date(2020, time.July, 28, 10, 30, 0, 0, time.UTC)
	raw := NewRaw(toShort("FOO     TXT"), AttrArchive, 5, 1234, at)

	e := Decode(raw[:], 0x1000)
	require.Equal(t, "FOO.TXT", DisplayName(e.ShortNameBytes()))
	require.Equal(t, uint32(5), e.StartCluster())
	require.Equal(t, uint32(1234), e.Size())
	require.False(t, e.IsDirectory())
	require.Equal(t, 2020, e.CreatedAt().Year())
}

func TestValidateShortName_RejectsBadBytes(t *testing.T) {
	bad := toShort("FO*     TXT")
	require.Equal(t, NameBadByte, ValidateShortName(bad, false, false))
}

func TestValidateShortName_AcceptsEAException(t *testing.T) {
	name := toShort("EA DATA  SF")
	require.Equal(t, NameOK, ValidateShortName(name, false, false))
}

func TestValidateShortName_SpaceThenNonSpace(t *testing.T) {
	var name [11]byte
	copy(name[:], "A B     TXT")
	require.Equal(t, NameSpaceThenNonSpace, ValidateShortName(name, false, false))
}

func TestShortNameEquals_FixedWidth(t *testing.T) {
	a := toShort("FOO     TXT")
	b := toShort("FOO     TXT")
	require.True(t, ShortNameEquals(a, b))
}
