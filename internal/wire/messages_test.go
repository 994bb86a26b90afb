package wire

import "testing"

// allKinds must be kept in sync with the switch in Decode; this test is the
// project's enforcement that every Kind constant has a decode case, since Go
// itself won't catch a missing switch arm at compile time.
var allKinds = []Kind{
	KindRegister, KindRegisterResp,
	KindDeregister, KindDeregisterResp,
	KindGet, KindGetResp,
	KindSet, KindSetResp,
	KindAdd, KindAddResp,
	KindDelete, KindDeleteResp,
	KindOperate, KindOperateResp,
	KindGetInstances, KindGetInstancesResp,
	KindGetSupportedDM, KindGetSupportedDMResp,
	KindNotify, KindError,
}

func TestDecodeHandlesEveryKind(t *testing.T) {
	for _, k := range allKinds {
		f := &Frame{MsgID: "x", MsgType: k, Body: []byte(`{}`)}
		if _, err := Decode(f); err != nil {
			t.Errorf("Decode(%s) returned error: %v", k, err)
		}
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	f := &Frame{MsgID: "x", MsgType: Kind("Bogus"), Body: []byte(`{}`)}
	_, err := Decode(f)
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if e, ok := err.(*Error); !ok || e.Kind != MessageNotUnderstood {
		t.Errorf("expected MessageNotUnderstood, got %v", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	g := &Get{Paths: []string{"Device.X.Y"}, MaxDepth: 0}
	g.SetMsgID(NewMessageID())

	f, err := Encode(g)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if f.MsgType != KindGet {
		t.Fatalf("expected kind Get, got %s", f.MsgType)
	}

	decoded, err := Decode(f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(*Get)
	if !ok {
		t.Fatalf("expected *Get, got %T", decoded)
	}
	if got.MsgID() != g.MsgID() || len(got.Paths) != 1 || got.Paths[0] != "Device.X.Y" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestMessageIDFormat(t *testing.T) {
	id := NewMessageID()
	if !IsBrokerMessageID(id) {
		t.Errorf("expected %q to carry the Broker discriminator", id)
	}
	if IsBrokerMessageID("controller-issued-id-1") {
		t.Errorf("non-broker id should not match")
	}
}

func TestSubscriptionIDFormat(t *testing.T) {
	id := NewSubscriptionID()
	if !IsBrokerSubscriptionID(id) {
		t.Errorf("expected %q to carry the Broker discriminator", id)
	}
	if len(id) < len("-BROKER") || id[len(id)-len("-BROKER"):] != "-BROKER" {
		t.Errorf("expected id to end with -BROKER, got %q", id)
	}
}

func TestMessageIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMessageID()
		if seen[id] {
			t.Fatalf("duplicate message id %q", id)
		}
		seen[id] = true
	}
}
