package registers

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed catalogs/*.yaml
var embeddedCatalogs embed.FS

// Catalog is the immutable register catalog of one hardware variant.
type Catalog struct {
	Variant      string       `yaml:"variant"`
	Description  string       `yaml:"description"`
	Manufacturer string       `yaml:"manufacturer"`
	Model        string       `yaml:"model"`
	MaxBatch     int          `yaml:"max_batch"`
	PowerField   string       `yaml:"power_field"`
	Identity     *Definition  `yaml:"identity"`
	Definitions  []Definition `yaml:"definitions"`
}

// Requests plans the range reads covering every definition of the catalog.
func (c *Catalog) Requests() []ReadRequest {
	return BuildReadRequests(c.Definitions, c.MaxBatch)
}

// Definition returns the definition with the given name.
func (c *Catalog) Definition(name string) (*Definition, bool) {
	for i := range c.Definitions {
		if c.Definitions[i].Name == name {
			return &c.Definitions[i], true
		}
	}
	return nil, false
}

// Validate checks the catalog for definitions the decoder cannot serve.
func (c *Catalog) Validate() error {
	if c.Variant == "" {
		return fmt.Errorf("catalog variant is required")
	}

	if len(c.Definitions) == 0 {
		return fmt.Errorf("catalog %s has no definitions", c.Variant)
	}

	if c.MaxBatch < 0 || c.MaxBatch > 125 {
		return fmt.Errorf("catalog %s: max_batch %d out of range", c.Variant, c.MaxBatch)
	}

	seen := make(map[string]bool, len(c.Definitions))
	for i := range c.Definitions {
		def := &c.Definitions[i]
		if seen[def.Name] {
			return fmt.Errorf("catalog %s: duplicate definition %q", c.Variant, def.Name)
		}
		seen[def.Name] = true

		if err := validateDefinition(def); err != nil {
			return fmt.Errorf("catalog %s: %w", c.Variant, err)
		}
	}

	if c.PowerField != "" {
		def, ok := c.Definition(c.PowerField)
		if !ok {
			return fmt.Errorf("catalog %s: power field %q not defined", c.Variant, c.PowerField)
		}
		if !def.Numeric() {
			return fmt.Errorf("catalog %s: power field %q is not numeric", c.Variant, c.PowerField)
		}
	}

	if c.Identity != nil {
		if err := validateDefinition(c.Identity); err != nil {
			return fmt.Errorf("catalog %s identity: %w", c.Variant, err)
		}
		if c.Identity.Rule != 5 {
			return fmt.Errorf("catalog %s: identity must use the ascii rule", c.Variant)
		}
	}

	return nil
}

func validateDefinition(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("definition without name")
	}

	if len(def.Registers) == 0 {
		return fmt.Errorf("definition %q has no registers", def.Name)
	}

	switch def.Rule {
	case 1, 2, 3, 4:
		if len(def.Registers) > 4 {
			return fmt.Errorf("definition %q spans %d registers, numeric rules allow 4", def.Name, len(def.Registers))
		}
	case 5, 6, 7:
	default:
		return fmt.Errorf("definition %q has unknown rule %d", def.Name, def.Rule)
	}

	switch def.Function() {
	case FunctionHolding, FunctionInput:
	default:
		return fmt.Errorf("definition %q has unsupported function code %d", def.Name, def.FunctionCode)
	}

	return nil
}

// UnmarshalYAML decodes a definition and rejects an explicit zero scale,
// which would otherwise read as unset.
func (d *Definition) UnmarshalYAML(value *yaml.Node) error {
	type plain Definition
	if err := value.Decode((*plain)(d)); err != nil {
		return err
	}

	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i].Value == "scale" && d.Scale == 0 {
			return fmt.Errorf("definition %q has zero scale", d.Name)
		}
	}
	return nil
}

// Library holds the catalogs known to the application by variant.
type Library struct {
	catalogs map[string]*Catalog
}

// LoadLibrary loads the embedded catalogs.
func LoadLibrary() (*Library, error) {
	lib := &Library{catalogs: make(map[string]*Catalog)}
	if err := lib.Load(embeddedCatalogs, "catalogs"); err != nil {
		return nil, err
	}
	return lib, nil
}

// Load adds every *.yaml catalog found in dir of fsys. A catalog with a
// variant already present replaces it.
func (l *Library) Load(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read catalogs: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".yaml" {
			continue
		}

		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read catalog %s: %w", entry.Name(), err)
		}

		catalog, err := ParseCatalog(data)
		if err != nil {
			return fmt.Errorf("failed to load catalog %s: %w", entry.Name(), err)
		}

		l.catalogs[catalog.Variant] = catalog
	}

	if len(l.catalogs) == 0 {
		return fmt.Errorf("no catalogs found in %s", dir)
	}

	return nil
}

// ParseCatalog decodes and validates one YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	if err := catalog.Validate(); err != nil {
		return nil, err
	}

	if catalog.MaxBatch == 0 {
		catalog.MaxBatch = DefaultMaxBatch
	}

	return &catalog, nil
}

// Lookup returns the catalog for variant.
func (l *Library) Lookup(variant string) (*Catalog, error) {
	catalog, ok := l.catalogs[variant]
	if !ok {
		return nil, fmt.Errorf("unknown variant %q", variant)
	}
	return catalog, nil
}

// Variants returns the known variant names in sorted order.
func (l *Library) Variants() []string {
	variants := make([]string, 0, len(l.catalogs))
	for v := range l.catalogs {
		variants = append(variants, v)
	}
	sort.Strings(variants)
	return variants
}
