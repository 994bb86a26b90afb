// Package importer implements the GetSupportedDM response processing from
// spec.md §4.2 step 3: turning a Service's advertised supported data model
// into schema.Tree entries owned by that Service's group id. Grounded on the
// teacher's broker/service.go registration flow (validate, then commit to
// the shared table) generalized from "register a connection" to "register a
// schema fragment".
package importer

import (
	"fmt"

	"github.com/uspbroker/core/internal/schema"
	"github.com/uspbroker/core/internal/wire"
)

// Import commits every object in resp into tree under group, returning the
// path of every object it installed, in response order, or the first error
// encountered.
//
// Each SupportedObject becomes: a placeholder or multi-instance object node,
// one node per parameter (defaulting an unrecognized wire type to
// wire.TypeString per spec §4.2 step 3), one node per command, one node per
// event.
func Import(tree schema.Tree, group schema.GroupID, resp *wire.GetSupportedDMResp) ([]string, error) {
	var prefixes []string
	for _, obj := range resp.Objects {
		if obj.IsMultiInstance {
			if err := tree.InsertMultiInstanceObject(obj.Path, group, obj.Writable); err != nil {
				return nil, fmt.Errorf("importer: object %s: %w", obj.Path, err)
			}
		} else {
			if err := tree.InsertPlaceholder(obj.Path, group); err != nil {
				return nil, fmt.Errorf("importer: object %s: %w", obj.Path, err)
			}
		}
		prefixes = append(prefixes, obj.Path)

		for _, p := range obj.Params {
			typ := p.Type
			if !validType(typ) {
				typ = wire.TypeString
			}
			if err := tree.InsertParam(obj.Path+p.Name, group, typ, p.Writable); err != nil {
				return nil, fmt.Errorf("importer: param %s%s: %w", obj.Path, p.Name, err)
			}
		}
		for _, c := range obj.Commands {
			if err := tree.InsertCommand(obj.Path+c.Name+"()", group, c.InputArgs, c.OutputArgs); err != nil {
				return nil, fmt.Errorf("importer: command %s%s(): %w", obj.Path, c.Name, err)
			}
		}
		for _, e := range obj.Events {
			if err := tree.InsertEvent(obj.Path+e.Name+"!", group, e.Args); err != nil {
				return nil, fmt.Errorf("importer: event %s%s!: %w", obj.Path, e.Name, err)
			}
		}
	}
	return prefixes, nil
}

func validType(t wire.ParamType) bool {
	switch t {
	case wire.TypeString, wire.TypeBool, wire.TypeInt, wire.TypeUnsignedInt, wire.TypeDateTime, wire.TypeBase64, wire.TypeHexBinary:
		return true
	}
	return false
}
