package imei_test

import (
	"testing"

	"github.com/fleetgrid/telemetry-gateway/internal/gateway/imei"
	"github.com/stretchr/testify/assert"
)

type staticAllowList struct {
	enabled bool
	members map[string]struct{}
}

func (s staticAllowList) Enabled() bool { return s.enabled }
func (s staticAllowList) Contains(id string) bool {
	_, ok := s.members[id]
	return ok
}

func TestValidateFormat(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		imei string
		want imei.Result
	}{
		{"too short", "12345", imei.BadFormat},
		{"too long", "3536918442887600", imei.BadFormat},
		{"non digit", "35369184428876X", imei.BadFormat},
		{"valid luhn", "490154203237518", imei.Ok},
		{"bad luhn", "490154203237519", imei.BadLuhn},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, imei.Validate(tc.imei, nil))
		})
	}
}

func TestValidateAllowListDisabledAllowsEverything(t *testing.T) {
	t.Parallel()
	allow := staticAllowList{enabled: false}
	assert.Equal(t, imei.Ok, imei.Validate("490154203237518", allow))
}

func TestValidateAllowListEnabledDeniesUnlisted(t *testing.T) {
	t.Parallel()
	allow := staticAllowList{enabled: true, members: map[string]struct{}{}}
	assert.Equal(t, imei.NotAllowed, imei.Validate("490154203237518", allow))
}

func TestValidateAllowListEnabledPermitsListed(t *testing.T) {
	t.Parallel()
	allow := staticAllowList{enabled: true, members: map[string]struct{}{"490154203237518": {}}}
	assert.Equal(t, imei.Ok, imei.Validate("490154203237518", allow))
}
