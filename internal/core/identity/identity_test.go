package identity

import (
	"os"
	"path/filepath"
	"testing"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-beaconp2p/config"
)

func testAddrs(t *testing.T) []ma.Multiaddr {
	t.Helper()
	tcp, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/9000")
	require.NoError(t, err)
	udp, err := ma.NewMultiaddr("/ip4/127.0.0.1/udp/9001")
	require.NoError(t, err)
	return []ma.Multiaddr{tcp, udp}
}

// memStore 内存 KeyStore
type memStore struct {
	raw []byte
}

func (m *memStore) PrivateKey() ([]byte, error) {
	if m.raw == nil {
		return nil, ErrKeyNotFound
	}
	return m.raw, nil
}

func (m *memStore) SetPrivateKey(raw []byte) error {
	m.raw = append([]byte(nil), raw...)
	return nil
}

// TestKey_Hex 测试私钥十六进制往返
func TestKey_Hex(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	parsed, err := KeyFromHex("0x" + KeyToHex(priv))
	require.NoError(t, err)
	assert.Equal(t, priv.Serialize(), parsed.Serialize())

	_, err = KeyFromHex("zz")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = KeyFromBytes(make([]byte, 32))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

// TestIdentity_DeterministicID 测试 NodeID 由私钥唯一确定
func TestIdentity_DeterministicID(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	a := New(priv)
	b := New(priv)
	assert.Equal(t, a.ID(), b.ID())
	assert.False(t, a.ID().IsEmpty())

	other, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), other.ID())

	sig := a.Sign([]byte("hello"))
	assert.True(t, VerifySignature(a.PublicKey(), []byte("hello"), sig))
	assert.False(t, VerifySignature(other.PublicKey(), []byte("hello"), sig))
	assert.False(t, VerifySignature(a.PublicKey(), []byte("hello"), []byte{1, 2}))
}

// TestPeerRecord_SignVerify 测试记录签名与验证
func TestPeerRecord_SignVerify(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	rec, err := NewPeerRecord(id, 1, testAddrs(t))
	require.NoError(t, err)
	require.NoError(t, rec.Verify())

	tcp, ok := rec.TCPAddr()
	require.True(t, ok)
	assert.Equal(t, 9000, tcp.Port)
	udp, ok := rec.UDPAddr()
	require.True(t, ok)
	assert.Equal(t, 9001, udp.Port)

	t.Run("tampered seq", func(t *testing.T) {
		bad := *rec
		bad.Seq = 2
		assert.ErrorIs(t, bad.Verify(), ErrInvalidSignature)
	})

	t.Run("foreign id", func(t *testing.T) {
		other, err := Generate()
		require.NoError(t, err)
		bad := *rec
		bad.NodeID = other.ID()
		assert.ErrorIs(t, bad.Verify(), ErrIDMismatch)
	})

	t.Run("no addresses", func(t *testing.T) {
		_, err := NewPeerRecord(id, 1, nil)
		assert.ErrorIs(t, err, ErrNoAddresses)
	})

	t.Run("address without transport", func(t *testing.T) {
		addr, err := ma.NewMultiaddr("/ip4/127.0.0.1")
		require.NoError(t, err)
		_, err = NewPeerRecord(id, 1, []ma.Multiaddr{addr})
		assert.ErrorIs(t, err, ErrInvalidAddress)
	})
}

// TestPeerRecord_Codec 测试记录编解码
func TestPeerRecord_Codec(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	rec, err := NewPeerRecord(id, 7, testAddrs(t))
	require.NoError(t, err)

	decoded, err := UnmarshalPeerRecord(rec.Marshal())
	require.NoError(t, err)
	require.NoError(t, decoded.Verify())
	assert.True(t, rec.Equal(decoded))
	assert.Equal(t, uint64(7), decoded.Seq)

	text := rec.EncodeText()
	fromText, err := DecodeText(text)
	require.NoError(t, err)
	assert.True(t, rec.Equal(fromText))

	_, err = DecodeText("bpr:!!!")
	assert.ErrorIs(t, err, ErrMalformedRecord)
	_, err = UnmarshalPeerRecord([]byte{0xff})
	assert.Error(t, err)
}

// TestMerge_Monotonic 测试合并只接受更高序列号，与到达顺序无关
func TestMerge_Monotonic(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	addrs := testAddrs(t)

	r1, err := NewPeerRecord(id, 1, addrs)
	require.NoError(t, err)
	r2, err := NewPeerRecord(id, 2, addrs)
	require.NoError(t, err)

	apply := func(order ...*PeerRecord) *PeerRecord {
		var cur *PeerRecord
		for _, r := range order {
			if Merge(cur, r) == Replace {
				cur = r
			}
		}
		return cur
	}

	assert.Equal(t, uint64(2), apply(r1, r2).Seq)
	assert.Equal(t, uint64(2), apply(r2, r1).Seq)
	assert.Equal(t, Ignore, Merge(r2, r2))
	assert.Equal(t, Replace, Merge(nil, r1))
	assert.Equal(t, Ignore, Merge(r1, nil))

	other, err := Generate()
	require.NoError(t, err)
	r3, err := NewPeerRecord(other, 9, addrs)
	require.NoError(t, err)
	assert.Equal(t, Ignore, Merge(r1, r3))
}

// TestResolve 测试私钥来源优先级
func TestResolve(t *testing.T) {
	t.Run("explicit hex", func(t *testing.T) {
		priv, err := GenerateKey()
		require.NoError(t, err)
		cfg := config.DefaultIdentityConfig().WithSecretKeyHex(KeyToHex(priv))
		id, err := Resolve(cfg, "", nil)
		require.NoError(t, err)
		assert.Equal(t, New(priv).ID(), id.ID())
	})

	t.Run("generate then reload from file", func(t *testing.T) {
		dir := t.TempDir()
		store := &memStore{}
		first, err := Resolve(config.DefaultIdentityConfig(), dir, store)
		require.NoError(t, err)
		assert.NotNil(t, store.raw)

		info, err := os.Stat(filepath.Join(dir, DefaultKeyFile))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

		second, err := Resolve(config.DefaultIdentityConfig(), dir, &memStore{})
		require.NoError(t, err)
		assert.Equal(t, first.ID(), second.ID())
	})

	t.Run("database fallback", func(t *testing.T) {
		store := &memStore{}
		first, err := Resolve(config.DefaultIdentityConfig(), "", store)
		require.NoError(t, err)
		second, err := Resolve(config.DefaultIdentityConfig(), "", store)
		require.NoError(t, err)
		assert.Equal(t, first.ID(), second.ID())
	})

	t.Run("bad file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultKeyFile), []byte("nope"), 0600))
		_, err := Resolve(config.DefaultIdentityConfig(), dir, nil)
		assert.Error(t, err)
	})
}
