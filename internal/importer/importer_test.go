package importer

import (
	"testing"

	"github.com/uspbroker/core/internal/schema"
	"github.com/uspbroker/core/internal/wire"
)

func TestImportInstallsObjectsParamsCommandsEvents(t *testing.T) {
	tree := schema.New()
	resp := &wire.GetSupportedDMResp{
		Objects: []wire.SupportedObject{
			{
				Path:            "Device.WiFi.Radio.{i}.",
				IsMultiInstance: true,
				Writable:        true,
				Params: []wire.SupportedParam{
					{Name: "Enable", Type: wire.TypeBool, Writable: true},
					{Name: "Channel", Type: "unknownVendorType", Writable: true},
				},
				Commands: []wire.SupportedCommand{
					{Name: "Reset", OutputArgs: []string{"Status"}},
				},
				Events: []wire.SupportedEvent{
					{Name: "ChannelChange", Args: []string{"NewChannel"}},
				},
			},
		},
	}

	prefixes, err := Import(tree, schema.GroupID(3), resp)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(prefixes) != 1 || prefixes[0] != "Device.WiFi.Radio.{i}." {
		t.Fatalf("unexpected prefixes: %v", prefixes)
	}

	node, ok := tree.Resolve("Device.WiFi.Radio.7.Channel")
	if !ok {
		t.Fatal("expected Channel param to resolve via the multi-instance template")
	}
	if node.Type != wire.TypeString {
		t.Fatalf("expected unrecognized wire type to default to TypeString, got %s", node.Type)
	}
	if node.Group != 3 {
		t.Fatalf("expected group 3, got %d", node.Group)
	}

	if _, ok := tree.Resolve("Device.WiFi.Radio.7.Reset()"); !ok {
		t.Fatal("expected command node to be installed")
	}
	if _, ok := tree.Resolve("Device.WiFi.Radio.7.ChannelChange!"); !ok {
		t.Fatal("expected event node to be installed")
	}
}
