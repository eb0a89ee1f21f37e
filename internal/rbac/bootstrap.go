package rbac

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

//go:embed bootstrap.yaml
var defaultManifest []byte

// grantAll in a manifest role grants every manifest permission.
const grantAll = "*"

// Manifest describes the fixed catalog and system roles installed at startup.
type Manifest struct {
	Permissions []ManifestPermission `yaml:"permissions"`
	Roles       []ManifestRole       `yaml:"roles"`
}

// ManifestPermission is one catalog entry.
type ManifestPermission struct {
	Slug        string `yaml:"slug"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// ManifestRole is one system role with its scope class and initial grants.
type ManifestRole struct {
	Name        string     `yaml:"name"`
	Slug        string     `yaml:"slug"`
	Description string     `yaml:"description"`
	Level       *int       `yaml:"level"`
	Scope       ScopeClass `yaml:"scope"`
	Grants      []string   `yaml:"grants"`
}

// BootstrapResult counts what Bootstrap created.
type BootstrapResult struct {
	PermissionsCreated int
	RolesCreated       int
	GrantsCreated      int
}

// DefaultManifest parses the embedded manifest.
func DefaultManifest() (Manifest, error) {
	return ParseManifest(defaultManifest)
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: manifest: %v", shared.ErrValidation, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate checks slugs, scope classes and grant references.
func (m Manifest) Validate() error {
	known := make(map[string]struct{}, len(m.Permissions))
	for _, p := range m.Permissions {
		if _, err := ValidatePermissionSlug(p.Slug); err != nil {
			return err
		}
		if _, dup := known[p.Slug]; dup {
			return fmt.Errorf("%w: manifest lists permission %q twice", shared.ErrValidation, p.Slug)
		}
		known[p.Slug] = struct{}{}
	}
	roles := make(map[string]struct{}, len(m.Roles))
	for _, r := range m.Roles {
		if err := ValidateRoleSlug(r.Slug); err != nil {
			return err
		}
		if _, dup := roles[r.Slug]; dup {
			return fmt.Errorf("%w: manifest lists role %q twice", shared.ErrValidation, r.Slug)
		}
		roles[r.Slug] = struct{}{}
		if !r.Scope.Valid() {
			return fmt.Errorf("%w: role %q has unknown scope %q", shared.ErrValidation, r.Slug, r.Scope)
		}
		for _, g := range r.Grants {
			if g == grantAll {
				continue
			}
			if _, ok := known[g]; !ok {
				return fmt.Errorf("%w: role %q grants unknown permission %q", shared.ErrValidation, r.Slug, g)
			}
		}
	}
	return nil
}

// ScopePolicy derives the role-to-scope table from the manifest.
func (m Manifest) ScopePolicy() ScopePolicy {
	policy := make(ScopePolicy, len(m.Roles))
	for _, r := range m.Roles {
		policy[r.Slug] = r.Scope
	}
	return policy
}

// Bootstrap installs missing manifest permissions and system roles in one
// transaction. Existing rows are left untouched, and a role's grants are only
// written when the role is created, so administrator edits survive restarts.
func Bootstrap(ctx context.Context, repo Repository, m Manifest, opts Options) (BootstrapResult, error) {
	if err := m.Validate(); err != nil {
		return BootstrapResult{}, err
	}
	var result BootstrapResult
	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ids := make(map[string]int64, len(m.Permissions))
		for _, mp := range m.Permissions {
			existing, err := tx.GetPermissionBySlug(ctx, mp.Slug)
			if err == nil {
				ids[mp.Slug] = existing.ID
				continue
			}
			if !isNotFound(err) {
				return fmt.Errorf("lookup permission %q: %w", mp.Slug, err)
			}
			module, _ := ValidatePermissionSlug(mp.Slug)
			created, err := tx.InsertPermission(ctx, Permission{
				Slug:        mp.Slug,
				Name:        mp.Name,
				Module:      module,
				Description: mp.Description,
				Status:      StatusActive,
			})
			if err != nil {
				return fmt.Errorf("insert permission %q: %w", mp.Slug, err)
			}
			ids[mp.Slug] = created.ID
			result.PermissionsCreated++
		}

		for _, mr := range m.Roles {
			if _, err := tx.GetRoleBySlug(ctx, mr.Slug); err == nil {
				continue
			} else if !isNotFound(err) {
				return fmt.Errorf("lookup role %q: %w", mr.Slug, err)
			}
			role, err := buildRole(CreateRoleInput{Name: mr.Name, Slug: mr.Slug, Description: mr.Description, Level: mr.Level}, true)
			if err != nil {
				return err
			}
			if err := ensureRoleUnique(ctx, tx, 0, role.Name, role.Slug); err != nil {
				return err
			}
			role, err = tx.InsertRole(ctx, role)
			if err != nil {
				return fmt.Errorf("insert role %q: %w", mr.Slug, err)
			}
			result.RolesCreated++

			added, err := tx.AttachPermissions(ctx, role.ID, manifestGrantIDs(mr.Grants, ids))
			if err != nil {
				return fmt.Errorf("grant role %q: %w", mr.Slug, err)
			}
			result.GrantsCreated += added
		}
		return nil
	})
	if err != nil {
		return BootstrapResult{}, err
	}
	if result.PermissionsCreated > 0 || result.RolesCreated > 0 {
		newHooks(opts).changed(ctx, 0, "rbac.bootstrap", "manifest", 0, map[string]any{
			"permissions": result.PermissionsCreated,
			"roles":       result.RolesCreated,
			"grants":      result.GrantsCreated,
		})
	} else if opts.Logger != nil {
		opts.Logger.Info("rbac bootstrap up to date", slog.Int("permissions", len(m.Permissions)), slog.Int("roles", len(m.Roles)))
	}
	return result, nil
}

func manifestGrantIDs(grants []string, ids map[string]int64) []int64 {
	out := make([]int64, 0, len(grants))
	for _, g := range grants {
		if g == grantAll {
			for _, id := range ids {
				out = append(out, id)
			}
			continue
		}
		if id, ok := ids[g]; ok {
			out = append(out, id)
		}
	}
	return uniqueIDs(out)
}
