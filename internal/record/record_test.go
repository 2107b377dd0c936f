package record

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chumbucket/crossrtp/internal/game"
)

func TestDecodeComputeRequestWireFormat(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	raw := `{"requestId":"req-1","playerUuid":"11111111-2222-3333-4444-555555555555","targetServer":"smp","world":"world","createdAtMs":1700000000000}`

	req, err := Decode[ComputeRequest](raw)
	require.NoError(t, err)
	require.Equal(t, "req-1", req.RequestID)
	require.Equal(t, id, req.PlayerUUID)
	require.Equal(t, "smp", req.TargetServer)
	require.Equal(t, "world", req.World)
	require.Equal(t, int64(1700000000000), req.CreatedAtMs)
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	raw := `{"server":"smp","world":"world","x":1,"y":2,"z":3,"futureField":true}`
	p, err := Decode[PendingTeleport](raw)
	require.NoError(t, err)
	require.Equal(t, "smp", p.Server)
	require.Equal(t, 0, p.Attempts)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode[ComputeResponse]("{not json")
	require.Error(t, err)
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	in := PendingTeleport{
		Server: "smp", World: "world_nether",
		X: 100.5, Y: 64, Z: -200.5, Yaw: 90, Pitch: -10,
		AtMs: 42, Attempts: 1,
	}
	raw, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode[PendingTeleport](raw)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestNormalizeSpawnType(t *testing.T) {
	require.Equal(t, SpawnTypeBed, NormalizeSpawnType("bed"))
	require.Equal(t, SpawnTypeBed, NormalizeSpawnType(" BED "))
	require.Equal(t, SpawnTypeAnchor, NormalizeSpawnType("anchor"))
	require.Equal(t, SpawnTypeAnchor, NormalizeSpawnType("RESPAWN_ANCHOR"))
	require.Equal(t, SpawnTypeUnknown, NormalizeSpawnType(""))
	require.Equal(t, SpawnTypeUnknown, NormalizeSpawnType("chair"))
}

func TestDecodeSpawnPointNormalizesType(t *testing.T) {
	sp, err := Decode[SpawnPoint](`{"type":"respawn_anchor","server":"smp","world":"world","x":1,"y":2,"z":3}`)
	require.NoError(t, err)
	require.Equal(t, SpawnTypeAnchor, sp.Type)
	require.True(t, sp.IsAnchor())

	// Records written before the type field existed.
	sp, err = Decode[SpawnPoint](`{"server":"smp","world":"world","x":1,"y":2,"z":3}`)
	require.NoError(t, err)
	require.Equal(t, SpawnTypeUnknown, sp.Type)
	require.False(t, sp.IsBed())
	require.False(t, sp.IsAnchor())
}

func TestNewSpawnPointStampsTime(t *testing.T) {
	loc := game.Location{X: 10.5, Y: 64, Z: 20.5, Yaw: 45, Pitch: 5}

	sp := NewSpawnPoint("bed", "smp", "world", loc, 0)
	require.Equal(t, SpawnTypeBed, sp.Type)
	require.Positive(t, sp.AtMs)

	sp = NewSpawnPoint("anchor", "smp", "world", loc, 1234)
	require.Equal(t, int64(1234), sp.AtMs)
	require.Equal(t, loc.X, sp.X)
	require.Equal(t, loc.Yaw, sp.Yaw)
}

func TestResponseLocation(t *testing.T) {
	resp := ComputeResponse{OK: true, Server: "smp", World: "world", X: 1.5, Y: 70, Z: -2.5, Yaw: 180, Pitch: 10}
	loc := resp.Location()
	require.Equal(t, game.Location{World: "world", X: 1.5, Y: 70, Z: -2.5, Yaw: 180, Pitch: 10}, loc)
}
