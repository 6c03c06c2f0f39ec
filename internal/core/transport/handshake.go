package transport

import (
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-beaconp2p/internal/core/identity"
	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// ============================================================================
//                              身份交换
// ============================================================================
//
// 双方同时发送 hello{record, nonce}，验证对方记录后再发送
// proof = sign(对方 nonce || 自身 NodeID)。证明通过后连接才交给 yamux。

const (
	nonceSize         = 32
	maxHandshakeFrame = 4096

	fieldHelloRecord protowire.Number = 1
	fieldHelloNonce  protowire.Number = 2
)

// handshakeResult 身份交换结果
type handshakeResult struct {
	record *identity.PeerRecord
	// rank 主连接比较依据：拨号方 NodeID 与拨号方 nonce
	dialer      types.NodeID
	dialerNonce [nonceSize]byte
}

// handshake 在原始连接上完成身份交换
func handshake(c net.Conn, local *identity.Identity, rec *identity.PeerRecord, outbound bool, timeout time.Duration) (*handshakeResult, error) {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer c.SetDeadline(time.Time{})

	r := &unbufferedReader{r: c}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	var hello []byte
	hello = protowire.AppendTag(hello, fieldHelloRecord, protowire.BytesType)
	hello = protowire.AppendBytes(hello, rec.Marshal())
	hello = protowire.AppendTag(hello, fieldHelloNonce, protowire.BytesType)
	hello = protowire.AppendBytes(hello, nonce[:])

	peerHello, err := exchange(c, r, hello)
	if err != nil {
		return nil, err
	}
	remote, peerNonce, err := decodeHello(peerHello)
	if err != nil {
		return nil, err
	}
	if err := remote.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if remote.NodeID == local.ID() {
		return nil, ErrSelfDial
	}

	proof := local.Sign(append(peerNonce[:], local.ID().Bytes()...))
	peerProof, err := exchange(c, r, proof)
	if err != nil {
		return nil, err
	}
	pub, err := remote.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if !identity.VerifySignature(pub, append(nonce[:], remote.NodeID.Bytes()...), peerProof) {
		return nil, fmt.Errorf("%w: bad proof", ErrHandshakeFailed)
	}

	res := &handshakeResult{record: remote}
	if outbound {
		res.dialer, res.dialerNonce = local.ID(), nonce
	} else {
		res.dialer, res.dialerNonce = remote.NodeID, peerNonce
	}
	return res, nil
}

// exchange 并发写出本地帧并读取对方帧
func exchange(c net.Conn, r *unbufferedReader, out []byte) ([]byte, error) {
	errCh := make(chan error, 1)
	go func() {
		errCh <- WriteFrame(c, out)
	}()
	in, err := ReadFrame(r, maxHandshakeFrame)
	if werr := <-errCh; werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return in, nil
}

func decodeHello(b []byte) (*identity.PeerRecord, [nonceSize]byte, error) {
	var (
		rec   *identity.PeerRecord
		nonce [nonceSize]byte
		got   bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return nil, nonce, ErrHandshakeFailed
		}
		b = b[n:]
		v, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return nil, nonce, ErrHandshakeFailed
		}
		switch num {
		case fieldHelloRecord:
			r, err := identity.UnmarshalPeerRecord(v)
			if err != nil {
				return nil, nonce, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
			}
			rec = r
		case fieldHelloNonce:
			if len(v) != nonceSize {
				return nil, nonce, ErrHandshakeFailed
			}
			copy(nonce[:], v)
			got = true
		}
		b = b[m:]
	}
	if rec == nil || !got {
		return nil, nonce, ErrHandshakeFailed
	}
	return rec, nonce, nil
}
