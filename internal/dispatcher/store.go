package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/bpfmand/bpfmand/internal/bpferrors"
	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/store"
)

const treePrefix = "dispatcher/"
const tmpTreePrefix = "tmp/dispatcher/"

func treeName(key model.DispatcherKey) string {
	return treePrefix + key.String()
}

func tmpTreeName(key model.DispatcherKey) string {
	return tmpTreePrefix + key.String()
}

type dispatcherJSON struct {
	IfIndex     uint32            `json:"if_index"`
	Type        model.ProgramType `json:"type"`
	Direction   model.Direction   `json:"direction"`
	Revision    uint64            `json:"revision"`
	ProgramIDs  []uint32          `json:"program_ids"`
	LinkPinPath string            `json:"link_pin_path"`
	KernelID    uint32            `json:"kernel_id"`
}

// persistDispatcher writes d's state through the same temp-tree-then-swap
// commit every multi-field tree uses, so a dispatcher's revision/program-ids/
// link-pin-path/kernel-id move together as one unit even though today they
// happen to be marshalled into a single "value" key.
func persistDispatcher(s *store.Store, d *model.Dispatcher) error {
	raw, err := json.Marshal(dispatcherJSON{
		IfIndex:     d.Key.IfIndex,
		Type:        d.Key.Type,
		Direction:   d.Key.Direction,
		Revision:    d.Revision,
		ProgramIDs:  d.ProgramIDs,
		LinkPinPath: d.LinkPinPath,
		KernelID:    d.KernelID,
	})
	if err != nil {
		return bpferrors.Wrap(bpferrors.KindInternal, err, "marshal dispatcher %s", d.Key)
	}

	tmpName := tmpTreeName(d.Key)
	tmp, err := s.OpenTree(tmpName)
	if err != nil {
		return bpferrors.Database("open_tree", err)
	}
	if err := tmp.Insert("value", raw); err != nil {
		_ = s.DropTree(tmpName)
		return bpferrors.Database("insert", err)
	}

	tree, err := s.OpenTree(treeName(d.Key))
	if err != nil {
		return bpferrors.Database("open_tree", err)
	}
	if err := tree.CommitFromTemp(tmpName); err != nil {
		return bpferrors.Database("commit", err)
	}
	return nil
}

func loadDispatcher(s *store.Store, key model.DispatcherKey) (*model.Dispatcher, error) {
	tree, err := s.OpenTree(treeName(key))
	if err != nil {
		return nil, bpferrors.Database("open_tree", err)
	}
	raw, err := tree.Get("value")
	if err != nil {
		return nil, bpferrors.Database("get", err)
	}
	if raw == nil {
		return nil, bpferrors.NotFound(0)
	}
	var dj dispatcherJSON
	if err := json.Unmarshal(raw, &dj); err != nil {
		return nil, bpferrors.Wrap(bpferrors.KindInternal, err, "unmarshal dispatcher %s", key)
	}
	return &model.Dispatcher{
		Key:         key,
		Revision:    dj.Revision,
		ProgramIDs:  dj.ProgramIDs,
		LinkPinPath: dj.LinkPinPath,
		KernelID:    dj.KernelID,
	}, nil
}

// ListDispatcherKeys enumerates every DispatcherKey with a persisted tree,
// used by recovery (C7) to rebuild C4's in-memory state on startup.
func ListDispatcherKeys(s *store.Store) ([]model.DispatcherKey, error) {
	names, err := s.TreeNames(treePrefix)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: list dispatcher trees: %w", err)
	}
	keys := make([]model.DispatcherKey, 0, len(names))
	for _, name := range names {
		tree, err := s.OpenTree(name)
		if err != nil {
			continue
		}
		raw, err := tree.Get("value")
		if err != nil || raw == nil {
			continue
		}
		var dj dispatcherJSON
		if err := json.Unmarshal(raw, &dj); err != nil {
			continue
		}
		keys = append(keys, model.DispatcherKey{IfIndex: dj.IfIndex, Type: dj.Type, Direction: dj.Direction})
	}
	return keys, nil
}
