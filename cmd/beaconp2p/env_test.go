package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dep2p/go-beaconp2p/config"
)

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(envTCPPort, "9100")
	t.Setenv(envUDPPort, "not-a-port")
	t.Setenv(envDataDir, "/tmp/beacon")
	t.Setenv(envBootstrap, "bpr:a, bpr:b ,")
	t.Setenv(envForkVersion, "0x01000000")

	cfg := config.NewConfig()
	applyEnvOverrides(cfg)

	assert.Equal(t, 9100, cfg.Transport.TCPPort)
	assert.Equal(t, 9000, cfg.Transport.UDPPort, "unparsable value is ignored")
	assert.Equal(t, "/tmp/beacon", cfg.Storage.DataDir)
	assert.Equal(t, []string{"bpr:a", "bpr:b"}, cfg.Discovery.BootstrapRecords)
	assert.Equal(t, "0x01000000", cfg.RPC.ForkVersion)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(" , "))
	assert.Equal(t, []string{"/eth2/beacon_block/ssz"}, splitList("/eth2/beacon_block/ssz"))
}
