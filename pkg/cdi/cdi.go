// Package cdi generates CDI (Container Device Interface) spec files that
// expose DVB adapters, real or virtual, to containers.
package cdi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	cdiparser "tags.cncf.io/container-device-interface/pkg/parser"
	cdiSpecs "tags.cncf.io/container-device-interface/specs-go"

	"github.com/9000h/dvbloop-cuse/pkg/types"

	"sigs.k8s.io/yaml"
)

const (
	// FilePrefix is prepended to all spec files written by this tool
	// to enable safe cleanup without affecting specs from other sources.
	FilePrefix = "dvbloop-cdi"

	// DefaultOutputDir is the standard CDI spec directory.
	DefaultOutputDir = "/etc/cdi"

	// DefaultPrefix is used when no --prefix is provided.
	DefaultPrefix = "dvb"

	// DefaultName is used when no --name is provided.
	DefaultName = "adapter"
)

// SpecFileName returns the deterministic file name for a given prefix, name, and format.
// Format: dvbloop-cdi_<prefix>_<name>.<ext>
func SpecFileName(prefix, name, format string) string {
	safePrefix := strings.ReplaceAll(prefix, "/", "_")
	return fmt.Sprintf("%s_%s_%s.%s", FilePrefix, safePrefix, name, format)
}

// DeviceName returns the CDI device name of an adapter.
func DeviceName(a *types.Adapter) string {
	return fmt.Sprintf("adapter%d", a.Number)
}

// CreateCDISpec generates a CDI spec file with one device per adapter and
// writes it to outputDir. The file is named according to SpecFileName().
func CreateCDISpec(resourcePrefix, resourceName string, adapters []*types.Adapter, outputDir, format string) error {
	log.Infof("creating CDI spec for resource %q (prefix=%s)", resourceName, resourcePrefix)

	cdiDevices := make([]cdiSpecs.Device, 0, len(adapters))
	for _, a := range adapters {
		containerEdit := cdiSpecs.ContainerEdits{
			DeviceNodes: make([]*cdiSpecs.DeviceNode, 0, len(a.DeviceSpecs)),
		}
		for _, spec := range a.DeviceSpecs {
			containerEdit.DeviceNodes = append(containerEdit.DeviceNodes, &cdiSpecs.DeviceNode{
				Path:        spec.ContainerPath,
				HostPath:    spec.HostPath,
				Permissions: spec.Permissions,
			})
		}
		cdiDevices = append(cdiDevices, cdiSpecs.Device{
			Name:           DeviceName(a),
			ContainerEdits: containerEdit,
		})
	}

	spec := &cdiSpecs.Spec{
		Version: cdiSpecs.CurrentVersion,
		Kind:    resourcePrefix + "/" + resourceName,
		Devices: cdiDevices,
	}

	// Validate the spec before writing
	if err := validateSpec(spec); err != nil {
		return fmt.Errorf("generated CDI spec is invalid: %w", err)
	}

	data, err := marshalSpec(spec, format)
	if err != nil {
		return fmt.Errorf("cannot marshal CDI spec: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("cannot create output directory %s: %w", outputDir, err)
	}

	filePath := filepath.Join(outputDir, SpecFileName(resourcePrefix, resourceName, format))
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("cannot write CDI spec file %s: %w", filePath, err)
	}

	log.Infof("CDI spec written to %s", filePath)
	return nil
}

// QualifiedNames returns the fully qualified CDI device names
// (vendor/class=adapterN) of the given adapters, ready for --device flags.
func QualifiedNames(adapters []*types.Adapter, resourcePrefix, resourceName string) ([]string, error) {
	if len(adapters) == 0 {
		return nil, fmt.Errorf("adapters list is empty")
	}
	names := make([]string, 0, len(adapters))
	for _, a := range adapters {
		names = append(names, cdiparser.QualifiedName(resourcePrefix, resourceName, DeviceName(a)))
	}
	log.Debugf("CDI device names: %v", names)
	return names, nil
}

// CleanupSpecs removes CDI spec files created by this tool from dir.
// If name is empty, all specs matching the given prefix are removed.
// If name is non-empty, only the exact match is removed.
func CleanupSpecs(dir, prefix, name string, dryRun bool) ([]string, error) {
	if dir == "" {
		dir = DefaultOutputDir
	}

	safePrefix := strings.ReplaceAll(prefix, "/", "_")
	if name != "" {
		return cleanupFiles([]string{
			filepath.Join(dir, fmt.Sprintf("%s_%s_%s.json", FilePrefix, safePrefix, name)),
			filepath.Join(dir, fmt.Sprintf("%s_%s_%s.yaml", FilePrefix, safePrefix, name)),
		}, dryRun)
	}

	// Restrict to known extensions only.
	var matches []string
	for _, ext := range []string{"json", "yaml"} {
		pattern := filepath.Join(dir, fmt.Sprintf("%s_%s_*.%s", FilePrefix, safePrefix, ext))
		m, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob error for pattern %s: %w", pattern, err)
		}
		matches = append(matches, m...)
	}
	return cleanupFiles(matches, dryRun)
}

func cleanupFiles(paths []string, dryRun bool) ([]string, error) {
	removed := make([]string, 0)
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if dryRun {
			log.Infof("[dry-run] would remove: %s", p)
			removed = append(removed, p)
			continue
		}
		log.Infof("removing CDI spec file: %s", p)
		if err := os.Remove(p); err != nil {
			return removed, fmt.Errorf("cannot remove %s: %w", p, err)
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// validateSpec checks the kind and device names against the CDI naming rules.
func validateSpec(spec *cdiSpecs.Spec) error {
	vendor, class := cdiparser.ParseQualifier(spec.Kind)
	if err := cdiparser.ValidateVendorName(vendor); err != nil {
		return err
	}
	if err := cdiparser.ValidateClassName(class); err != nil {
		return err
	}
	if len(spec.Devices) == 0 {
		return fmt.Errorf("spec must contain at least one device")
	}
	for _, d := range spec.Devices {
		if err := cdiparser.ValidateDeviceName(d.Name); err != nil {
			return err
		}
		if len(d.ContainerEdits.DeviceNodes) == 0 {
			return fmt.Errorf("device %q has no device nodes", d.Name)
		}
	}
	return nil
}

// marshalSpec serializes a CDI spec to JSON or YAML bytes.
func marshalSpec(spec *cdiSpecs.Spec, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "json":
		return json.MarshalIndent(spec, "", "  ")
	case "yaml":
		jsonData, err := json.Marshal(spec)
		if err != nil {
			return nil, err
		}
		return yaml.JSONToYAML(jsonData)
	default:
		return nil, fmt.Errorf("unsupported format %q: use json or yaml", format)
	}
}
