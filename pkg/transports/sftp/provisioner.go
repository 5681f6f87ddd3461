package sftp

import (
	"context"
	"errors"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/provision"
)

// TypeSFTP is the definition type Provisioner is usually registered under.
const TypeSFTP = "sftp"

// AddressTypeSFTP is the data address type of provisioned directories.
const AddressTypeSFTP = "SFTP"

// Data address properties.
const (
	PropertyHost = "host"
	PropertyPort = "port"
	PropertyUser = "user"
	PropertyPath = "path"
)

// PropertyFolder optionally names the directory below the process directory.
// It defaults to the definition id.
const PropertyFolder = "folder"

// Provisioner creates one directory per definition on an SFTP server,
// below BaseDir/<process id>. Deprovisioning removes it again.
type Provisioner struct {
	config *Config
	dial   DialFunc
}

var _ provision.ResourceProvisioner = (*Provisioner)(nil)

// NewProvisioner creates a provisioner. A nil dial uses Dial.
func NewProvisioner(cfg *Config, dial DialFunc) (*Provisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		dial = Dial
	}
	return &Provisioner{config: cfg, dial: dial}, nil
}

// Dir returns the remote directory of def for process p.
func (s *Provisioner) Dir(p *engine.TransferProcess, def engine.ResourceDefinition) (string, error) {
	folder := def.Properties[PropertyFolder]
	if folder == "" {
		folder = def.ID
	}
	dir := path.Join(s.config.BaseDir, p.ID, folder)
	if !strings.HasPrefix(dir, path.Join(s.config.BaseDir, p.ID)+"/") {
		return "", errors.New("folder escapes the process directory")
	}
	return dir, nil
}

// Provision implements provision.ResourceProvisioner. The resource kind
// defaults to destination.
func (s *Provisioner) Provision(ctx context.Context, p *engine.TransferProcess, def engine.ResourceDefinition) engine.ProvisionResponse {
	kind := engine.ResourceKind(def.Properties[provision.PropertyKind])
	if kind == "" {
		kind = engine.ResourceKindDestination
	}

	dir, err := s.Dir(p, def)
	if err != nil {
		return failure(p, def.ID, err, false)
	}

	fs, err := s.dial(ctx, s.config)
	if err != nil {
		return failure(p, def.ID, err, true)
	}
	defer fs.Close()

	if err := fs.MkdirAll(dir); err != nil {
		return failure(p, def.ID, err, !errors.Is(err, os.ErrPermission))
	}
	if err := fs.Chmod(dir, s.config.DirMode); err != nil {
		return failure(p, def.ID, err, !errors.Is(err, os.ErrPermission))
	}

	return engine.ProvisionResponse{
		Resource: &engine.ProvisionedResource{
			ID:           p.ID + "-" + def.ID,
			DefinitionID: def.ID,
			Kind:         kind,
			Name:         dir,
			DataAddress: &engine.DataAddress{
				Type: AddressTypeSFTP,
				Properties: map[string]string{
					PropertyHost: s.config.Host,
					PropertyPort: strconv.Itoa(s.config.Port),
					PropertyUser: s.config.User,
					PropertyPath: dir,
				},
			},
		},
	}
}

// Deprovision implements provision.ResourceProvisioner. A directory that is
// already gone counts as removed.
func (s *Provisioner) Deprovision(ctx context.Context, p *engine.TransferProcess, resource engine.ProvisionedResource) engine.DeprovisionResponse {
	resp := engine.DeprovisionResponse{ProvisionedResourceID: resource.ID}

	dir := ""
	if resource.DataAddress != nil {
		dir = resource.DataAddress.Properties[PropertyPath]
	}
	if dir == "" || !strings.HasPrefix(dir, path.Join(s.config.BaseDir, p.ID)+"/") {
		resp.Err = engine.NewPermanentError("resource has no directory under the process directory", nil).
			WithCode(engine.ErrCodeProvisionFailed).
			WithProcess(p.ID).
			WithDetail("resource_id", resource.ID)
		return resp
	}

	fs, err := s.dial(ctx, s.config)
	if err != nil {
		resp.Err = classify(p, err, true).WithDetail("resource_id", resource.ID)
		return resp
	}
	defer fs.Close()

	if _, err := fs.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return resp
	}
	if err := fs.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		resp.Err = classify(p, err, !errors.Is(err, os.ErrPermission)).WithDetail("resource_id", resource.ID)
	}
	return resp
}

func failure(p *engine.TransferProcess, definitionID string, err error, transient bool) engine.ProvisionResponse {
	return engine.ProvisionResponse{
		DefinitionID: definitionID,
		Err:          classify(p, err, transient).WithDetail("definition_id", definitionID),
	}
}

func classify(p *engine.TransferProcess, err error, transient bool) *engine.EngineError {
	var e *engine.EngineError
	if transient {
		e = engine.NewTransientError("sftp operation failed", err)
	} else {
		e = engine.NewPermanentError("sftp operation failed", err)
	}
	return e.WithCode(engine.ErrCodeProvisionFailed).WithProcess(p.ID)
}
