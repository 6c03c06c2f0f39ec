package gossipsub

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-beaconp2p/pkg/types"
)

// ============================================================================
//                              线路帧
// ============================================================================
//
//	frame   = 1:subscription* 2:message* 3:graft_topic* 4:prune_topic* 5:ihave* 6:iwant_id*
//	sub     = 1:subscribe(varint) 2:topic
//	message = 1:topic* 2:data
//	ihave   = 1:topic 2:message_id*

const (
	fieldSubs     protowire.Number = 1
	fieldMessages protowire.Number = 2
	fieldGraft    protowire.Number = 3
	fieldPrune    protowire.Number = 4
	fieldIHave    protowire.Number = 5
	fieldIWant    protowire.Number = 6

	fieldSubFlag  protowire.Number = 1
	fieldSubTopic protowire.Number = 2

	fieldMsgTopic protowire.Number = 1
	fieldMsgData  protowire.Number = 2

	fieldIHaveTopic protowire.Number = 1
	fieldIHaveID    protowire.Number = 2
)

type subOpt struct {
	subscribe bool
	topic     string
}

type wireMessage struct {
	topics []string
	data   []byte
}

// ihave 通告某主题下缓存的消息 ID
type ihave struct {
	topic string
	ids   []types.MessageID
}

// frame 一次发送的控制与数据
type frame struct {
	subs     []subOpt
	messages []wireMessage
	graft    []string
	prune    []string
	ihave    []ihave
	iwant    []types.MessageID
}

func (f *frame) empty() bool {
	return len(f.subs) == 0 && len(f.messages) == 0 && len(f.graft) == 0 &&
		len(f.prune) == 0 && len(f.ihave) == 0 && len(f.iwant) == 0
}

func (f *frame) marshal() []byte {
	var b []byte
	for _, s := range f.subs {
		var sb []byte
		sb = protowire.AppendTag(sb, fieldSubFlag, protowire.VarintType)
		sb = protowire.AppendVarint(sb, protowire.EncodeBool(s.subscribe))
		sb = protowire.AppendTag(sb, fieldSubTopic, protowire.BytesType)
		sb = protowire.AppendString(sb, s.topic)
		b = protowire.AppendTag(b, fieldSubs, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
	}
	for _, m := range f.messages {
		var mb []byte
		for _, t := range m.topics {
			mb = protowire.AppendTag(mb, fieldMsgTopic, protowire.BytesType)
			mb = protowire.AppendString(mb, t)
		}
		mb = protowire.AppendTag(mb, fieldMsgData, protowire.BytesType)
		mb = protowire.AppendBytes(mb, m.data)
		b = protowire.AppendTag(b, fieldMessages, protowire.BytesType)
		b = protowire.AppendBytes(b, mb)
	}
	for _, t := range f.graft {
		b = protowire.AppendTag(b, fieldGraft, protowire.BytesType)
		b = protowire.AppendString(b, t)
	}
	for _, t := range f.prune {
		b = protowire.AppendTag(b, fieldPrune, protowire.BytesType)
		b = protowire.AppendString(b, t)
	}
	for _, h := range f.ihave {
		var hb []byte
		hb = protowire.AppendTag(hb, fieldIHaveTopic, protowire.BytesType)
		hb = protowire.AppendString(hb, h.topic)
		for _, id := range h.ids {
			hb = protowire.AppendTag(hb, fieldIHaveID, protowire.BytesType)
			hb = protowire.AppendBytes(hb, id[:])
		}
		b = protowire.AppendTag(b, fieldIHave, protowire.BytesType)
		b = protowire.AppendBytes(b, hb)
	}
	for _, id := range f.iwant {
		b = protowire.AppendTag(b, fieldIWant, protowire.BytesType)
		b = protowire.AppendBytes(b, id[:])
	}
	return b
}

func unmarshalFrame(data []byte) (*frame, error) {
	f := &frame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.BytesType {
			return nil, ErrMalformedFrame
		}
		data = data[n:]
		v, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return nil, ErrMalformedFrame
		}
		data = data[m:]

		switch num {
		case fieldSubs:
			s, err := unmarshalSub(v)
			if err != nil {
				return nil, err
			}
			f.subs = append(f.subs, s)
		case fieldMessages:
			msg, err := unmarshalMessage(v)
			if err != nil {
				return nil, err
			}
			f.messages = append(f.messages, msg)
		case fieldGraft:
			f.graft = append(f.graft, string(v))
		case fieldPrune:
			f.prune = append(f.prune, string(v))
		case fieldIHave:
			h, err := unmarshalIHave(v)
			if err != nil {
				return nil, err
			}
			f.ihave = append(f.ihave, h)
		case fieldIWant:
			id, err := messageIDFromBytes(v)
			if err != nil {
				return nil, err
			}
			f.iwant = append(f.iwant, id)
		}
	}
	return f, nil
}

func unmarshalSub(data []byte) (subOpt, error) {
	var s subOpt
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return s, ErrMalformedFrame
		}
		data = data[n:]
		switch {
		case num == fieldSubFlag && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return s, ErrMalformedFrame
			}
			s.subscribe = protowire.DecodeBool(v)
			n = m
		case num == fieldSubTopic && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return s, ErrMalformedFrame
			}
			s.topic = string(v)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return s, ErrMalformedFrame
			}
		}
		data = data[n:]
	}
	return s, nil
}

func unmarshalMessage(data []byte) (wireMessage, error) {
	var msg wireMessage
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.BytesType {
			return msg, ErrMalformedFrame
		}
		data = data[n:]
		v, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return msg, ErrMalformedFrame
		}
		data = data[m:]
		switch num {
		case fieldMsgTopic:
			msg.topics = append(msg.topics, string(v))
		case fieldMsgData:
			msg.data = append([]byte(nil), v...)
		}
	}
	return msg, nil
}

func unmarshalIHave(data []byte) (ihave, error) {
	var h ihave
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.BytesType {
			return h, ErrMalformedFrame
		}
		data = data[n:]
		v, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return h, ErrMalformedFrame
		}
		data = data[m:]
		switch num {
		case fieldIHaveTopic:
			h.topic = string(v)
		case fieldIHaveID:
			id, err := messageIDFromBytes(v)
			if err != nil {
				return h, err
			}
			h.ids = append(h.ids, id)
		}
	}
	return h, nil
}

func messageIDFromBytes(b []byte) (types.MessageID, error) {
	var id types.MessageID
	if len(b) != types.MessageIDSize {
		return id, ErrMalformedFrame
	}
	copy(id[:], b)
	return id, nil
}
