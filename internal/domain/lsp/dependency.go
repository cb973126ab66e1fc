package lsp

// InstallerKind identifies the package manager able to provide a server binary.
type InstallerKind string

const (
	InstallerGo     InstallerKind = "go"
	InstallerNPM    InstallerKind = "npm"
	InstallerPip    InstallerKind = "pip"
	InstallerCargo  InstallerKind = "cargo"
	InstallerSystem InstallerKind = "system" // OS package manager; never auto-installed
)

// DependencySpec describes a server binary the core may need before first start.
type DependencySpec struct {
	Name      string        `json:"name" yaml:"name"`
	Binary    string        `json:"binary" yaml:"binary"`
	Package   string        `json:"package" yaml:"package"`
	Version   string        `json:"version,omitempty" yaml:"version"`
	Installer InstallerKind `json:"installer" yaml:"installer"`
	Required  bool          `json:"required" yaml:"required"`
}

// InstallResult reports the outcome of resolving a DependencySpec.
type InstallResult struct {
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped"`
	Version string `json:"version,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
