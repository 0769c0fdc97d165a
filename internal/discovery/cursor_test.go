package discovery

import (
	"encoding/base64"
	"testing"

	"github.com/okabelanger/streambid/internal/domain"
)

func TestCursorRoundTrip(t *testing.T) {
	in := cursor{Tier: domain.TierOnline, Offset: 7, LastSeenID: "inf-42"}

	out, err := decodeCursor(encodeCursor(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestDecodeCursorRejectsMalformedTokens(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"not json", base64.RawURLEncoding.EncodeToString([]byte("hello"))},
		{"unknown tier", base64.RawURLEncoding.EncodeToString([]byte(`{"tier":"vip","offset":0}`))},
		{"negative offset", base64.RawURLEncoding.EncodeToString([]byte(`{"tier":"live","offset":-1}`))},
		{"empty tier", base64.RawURLEncoding.EncodeToString([]byte(`{"offset":3}`))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeCursor(tc.token)
			if !domain.IsKind(err, domain.KindValidation) {
				t.Fatalf("kind = %s, want validation", domain.KindOf(err))
			}
		})
	}
}
