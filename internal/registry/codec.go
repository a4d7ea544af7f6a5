package registry

import (
	"encoding/json"
	"fmt"

	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/store"
)

// field names within a "prog/<id>" tree.
const (
	fieldType        = "type"
	fieldName        = "name"
	fieldLocation    = "location"
	fieldMetadata    = "metadata"
	fieldGlobalData  = "global_data"
	fieldMapOwnerID  = "map_owner_id"
	fieldMapPinPath  = "map_pin_path"
	fieldMapsUsedBy  = "maps_used_by"
	fieldProgramBytes = "program_bytes"
	fieldKernelInfo  = "kernel_info"
	fieldState       = "state"
	fieldOrphaned    = "orphaned"
	fieldXdp         = "xdp"
	fieldTc          = "tc"
)

// locationJSON, kernelInfoJSON, xdpJSON, tcJSON are the JSON-on-disk shapes
// for the composite fields. JSON is the natural choice here, matching how
// every other structured field in the daemon's stores is persisted.
type locationJSON struct {
	FilePath   string `json:"file_path,omitempty"`
	Image      *imageJSON `json:"image,omitempty"`
}

type imageJSON struct {
	Reference  string `json:"reference"`
	PullPolicy string `json:"pull_policy"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

type kernelInfoJSON struct {
	KernelID      uint32   `json:"kernel_id"`
	LoadedAt      int64    `json:"loaded_at"`
	Tag           string   `json:"tag"`
	BytesXlated   uint32   `json:"bytes_xlated"`
	BytesJited    uint32   `json:"bytes_jited"`
	VerifiedInsns uint32   `json:"verified_insns"`
	MapIDs        []uint32 `json:"map_ids"`
	MemlockBytes  uint64   `json:"memlock_bytes"`
}

type xdpJSON struct {
	Priority        int32    `json:"priority"`
	Interface       string   `json:"interface"`
	IfIndex         uint32   `json:"if_index"`
	CurrentPosition int      `json:"current_position"`
	ProceedOn       []string `json:"proceed_on"`
	Attached        bool     `json:"attached"`
}

type tcJSON struct {
	Priority        int32    `json:"priority"`
	Interface       string   `json:"interface"`
	IfIndex         uint32   `json:"if_index"`
	Direction       string   `json:"direction"`
	CurrentPosition int      `json:"current_position"`
	ProceedOn       []string `json:"proceed_on"`
	Attached        bool     `json:"attached"`
}

// encodeProgram writes every field of p into tree.
func encodeProgram(tree *store.Tree, p *model.Program) error {
	put := func(field string, value []byte) error {
		if err := tree.Insert(field, value); err != nil {
			return fmt.Errorf("registry: encode %s: %w", field, err)
		}
		return nil
	}

	if err := put(fieldType, store.PutInt32(int32(p.Type))); err != nil {
		return err
	}
	if err := put(fieldName, []byte(p.Name)); err != nil {
		return err
	}

	loc := locationJSON{FilePath: p.Location.FilePath}
	if p.Location.Image != nil {
		loc.Image = &imageJSON{
			Reference:  p.Location.Image.Reference,
			PullPolicy: p.Location.Image.PullPolicy.String(),
			Username:   p.Location.Image.Username,
			Password:   p.Location.Image.Password,
		}
	}
	locBytes, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("registry: marshal location: %w", err)
	}
	if err := put(fieldLocation, locBytes); err != nil {
		return err
	}

	metaBytes, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("registry: marshal metadata: %w", err)
	}
	if err := put(fieldMetadata, metaBytes); err != nil {
		return err
	}

	gdBytes, err := json.Marshal(p.GlobalData)
	if err != nil {
		return fmt.Errorf("registry: marshal global_data: %w", err)
	}
	if err := put(fieldGlobalData, gdBytes); err != nil {
		return err
	}

	if p.MapOwnerID != nil {
		if err := put(fieldMapOwnerID, store.PutUint32(*p.MapOwnerID)); err != nil {
			return err
		}
	} else {
		_ = tree.Delete(fieldMapOwnerID)
	}
	if err := put(fieldMapPinPath, []byte(p.MapPinPath)); err != nil {
		return err
	}

	musedBytes, err := json.Marshal(p.MapsUsedBy)
	if err != nil {
		return fmt.Errorf("registry: marshal maps_used_by: %w", err)
	}
	if err := put(fieldMapsUsedBy, musedBytes); err != nil {
		return err
	}

	if err := put(fieldProgramBytes, p.ProgramBytes); err != nil {
		return err
	}

	kiBytes, err := json.Marshal(kernelInfoJSON{
		KernelID:      p.KernelInfo.KernelID,
		LoadedAt:      p.KernelInfo.LoadedAt,
		Tag:           p.KernelInfo.Tag,
		BytesXlated:   p.KernelInfo.BytesXlated,
		BytesJited:    p.KernelInfo.BytesJited,
		VerifiedInsns: p.KernelInfo.VerifiedInsns,
		MapIDs:        p.KernelInfo.MapIDs,
		MemlockBytes:  p.KernelInfo.MemlockBytes,
	})
	if err != nil {
		return fmt.Errorf("registry: marshal kernel_info: %w", err)
	}
	if err := put(fieldKernelInfo, kiBytes); err != nil {
		return err
	}

	if err := put(fieldState, store.PutInt32(int32(p.State))); err != nil {
		return err
	}
	if err := put(fieldOrphaned, store.PutBool(p.Orphaned)); err != nil {
		return err
	}

	if p.Xdp != nil {
		proceedOn := make([]string, len(p.Xdp.ProceedOn))
		for i, e := range p.Xdp.ProceedOn {
			proceedOn[i] = e.String()
		}
		b, err := json.Marshal(xdpJSON{
			Priority: p.Xdp.Priority, Interface: p.Xdp.Interface, IfIndex: p.Xdp.IfIndex,
			CurrentPosition: p.Xdp.CurrentPosition, ProceedOn: proceedOn, Attached: p.Xdp.Attached,
		})
		if err != nil {
			return fmt.Errorf("registry: marshal xdp: %w", err)
		}
		if err := put(fieldXdp, b); err != nil {
			return err
		}
	}
	if p.Tc != nil {
		proceedOn := make([]string, len(p.Tc.ProceedOn))
		for i, e := range p.Tc.ProceedOn {
			proceedOn[i] = e.String()
		}
		b, err := json.Marshal(tcJSON{
			Priority: p.Tc.Priority, Interface: p.Tc.Interface, IfIndex: p.Tc.IfIndex,
			Direction: p.Tc.Direction.String(), CurrentPosition: p.Tc.CurrentPosition,
			ProceedOn: proceedOn, Attached: p.Tc.Attached,
		})
		if err != nil {
			return fmt.Errorf("registry: marshal tc: %w", err)
		}
		if err := put(fieldTc, b); err != nil {
			return err
		}
	}

	return nil
}

// decodeProgram reads a Program back out of tree. id must already be known
// to the caller (it is the tree's own name, "prog/<id>").
func decodeProgram(tree *store.Tree, id uint32) (*model.Program, error) {
	get := func(field string) ([]byte, error) {
		v, err := tree.Get(field)
		if err != nil {
			return nil, fmt.Errorf("registry: decode %s: %w", field, err)
		}
		return v, nil
	}

	p := &model.Program{ID: id}

	typeBytes, err := get(fieldType)
	if err != nil {
		return nil, err
	}
	p.Type = model.ProgramType(store.GetInt32(typeBytes))

	nameBytes, err := get(fieldName)
	if err != nil {
		return nil, err
	}
	p.Name = string(nameBytes)

	locBytes, err := get(fieldLocation)
	if err != nil {
		return nil, err
	}
	var loc locationJSON
	if len(locBytes) > 0 {
		if err := json.Unmarshal(locBytes, &loc); err != nil {
			return nil, fmt.Errorf("registry: unmarshal location: %w", err)
		}
	}
	p.Location.FilePath = loc.FilePath
	if loc.Image != nil {
		policy, err := model.ParseImagePullPolicy(loc.Image.PullPolicy)
		if err != nil {
			return nil, fmt.Errorf("registry: decode location: %w", err)
		}
		p.Location.Image = &model.ImageLocation{
			Reference: loc.Image.Reference, PullPolicy: policy,
			Username: loc.Image.Username, Password: loc.Image.Password,
		}
	}

	metaBytes, err := get(fieldMetadata)
	if err != nil {
		return nil, err
	}
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &p.Metadata); err != nil {
			return nil, fmt.Errorf("registry: unmarshal metadata: %w", err)
		}
	}

	gdBytes, err := get(fieldGlobalData)
	if err != nil {
		return nil, err
	}
	if len(gdBytes) > 0 {
		if err := json.Unmarshal(gdBytes, &p.GlobalData); err != nil {
			return nil, fmt.Errorf("registry: unmarshal global_data: %w", err)
		}
	}

	if ownerBytes, err := get(fieldMapOwnerID); err != nil {
		return nil, err
	} else if len(ownerBytes) == 4 {
		v := store.GetUint32(ownerBytes)
		p.MapOwnerID = &v
	}

	pinBytes, err := get(fieldMapPinPath)
	if err != nil {
		return nil, err
	}
	p.MapPinPath = string(pinBytes)

	musedBytes, err := get(fieldMapsUsedBy)
	if err != nil {
		return nil, err
	}
	if len(musedBytes) > 0 {
		if err := json.Unmarshal(musedBytes, &p.MapsUsedBy); err != nil {
			return nil, fmt.Errorf("registry: unmarshal maps_used_by: %w", err)
		}
	}

	progBytes, err := get(fieldProgramBytes)
	if err != nil {
		return nil, err
	}
	p.ProgramBytes = progBytes

	kiBytes, err := get(fieldKernelInfo)
	if err != nil {
		return nil, err
	}
	var ki kernelInfoJSON
	if len(kiBytes) > 0 {
		if err := json.Unmarshal(kiBytes, &ki); err != nil {
			return nil, fmt.Errorf("registry: unmarshal kernel_info: %w", err)
		}
	}
	p.KernelInfo = model.KernelInfo{
		KernelID: ki.KernelID, LoadedAt: ki.LoadedAt, Tag: ki.Tag,
		BytesXlated: ki.BytesXlated, BytesJited: ki.BytesJited,
		VerifiedInsns: ki.VerifiedInsns, MapIDs: ki.MapIDs, MemlockBytes: ki.MemlockBytes,
	}

	stateBytes, err := get(fieldState)
	if err != nil {
		return nil, err
	}
	p.State = model.ProgramState(store.GetInt32(stateBytes))

	orphanBytes, err := get(fieldOrphaned)
	if err != nil {
		return nil, err
	}
	p.Orphaned = store.GetBool(orphanBytes)

	if p.Type == model.ProgramTypeXDP {
		xb, err := get(fieldXdp)
		if err != nil {
			return nil, err
		}
		var xj xdpJSON
		if len(xb) > 0 {
			if err := json.Unmarshal(xb, &xj); err != nil {
				return nil, fmt.Errorf("registry: unmarshal xdp: %w", err)
			}
			proceedOn := make([]model.XdpProceedOnEntry, 0, len(xj.ProceedOn))
			for _, s := range xj.ProceedOn {
				e, err := model.ParseXdpProceedOn(s)
				if err != nil {
					return nil, err
				}
				proceedOn = append(proceedOn, e)
			}
			p.Xdp = &model.XdpAttachment{
				Priority: xj.Priority, Interface: xj.Interface, IfIndex: xj.IfIndex,
				CurrentPosition: xj.CurrentPosition, ProceedOn: proceedOn, Attached: xj.Attached,
			}
		}
	}

	if p.Type == model.ProgramTypeTC {
		tb, err := get(fieldTc)
		if err != nil {
			return nil, err
		}
		var tj tcJSON
		if len(tb) > 0 {
			if err := json.Unmarshal(tb, &tj); err != nil {
				return nil, fmt.Errorf("registry: unmarshal tc: %w", err)
			}
			dir, err := model.ParseDirection(tj.Direction)
			if err != nil && tj.Direction != "" {
				return nil, err
			}
			proceedOn := make([]model.TcProceedOnEntry, 0, len(tj.ProceedOn))
			for _, s := range tj.ProceedOn {
				e, err := model.ParseTcProceedOn(s)
				if err != nil {
					return nil, err
				}
				proceedOn = append(proceedOn, e)
			}
			p.Tc = &model.TcAttachment{
				Priority: tj.Priority, Interface: tj.Interface, IfIndex: tj.IfIndex,
				Direction: dir, CurrentPosition: tj.CurrentPosition,
				ProceedOn: proceedOn, Attached: tj.Attached,
			}
		}
	}

	return p, nil
}
