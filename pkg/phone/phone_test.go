package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeE164(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		region  string
		want    string
		wantErr bool
	}{
		{name: "national brazilian mobile", raw: "(11) 98765-4321", region: "BR", want: "+5511987654321"},
		{name: "already e164", raw: "+55 11 98765-4321", region: "US", want: "+5511987654321"},
		{name: "whatsapp prefix", raw: "whatsapp:+5511987654321", region: "BR", want: "+5511987654321"},
		{name: "empty", raw: "  ", region: "BR", wantErr: true},
		{name: "garbage", raw: "not a phone", region: "BR", wantErr: true},
		{name: "too short", raw: "12345", region: "BR", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeE164(tt.raw, tt.region)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsMobile(t *testing.T) {
	assert.True(t, IsMobile("+5511987654321"))
	assert.False(t, IsMobile("+551133334444"))
	assert.False(t, IsMobile("nope"))
}
