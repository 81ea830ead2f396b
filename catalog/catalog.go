// Package catalog holds the per-platform update command catalogs and builds
// ordered per-system plans from them. Catalogs are plain data keyed by
// platform and category; there is no type hierarchy behind them.
package catalog

import (
	"github.com/pkg/errors"

	"github.com/updall/updall/common"
)

// Command is one logical update command.
type Command struct {
	// Text is the literal command line.
	Text string `json:"text"`
	// NeedsSudo marks commands requiring elevated privileges.
	NeedsSudo bool `json:"needsSudo"`
	// SelfEscalating marks tools that manage their own privilege elevation
	// (e.g. AUR helpers). Such commands are never wrapped with an external
	// escalation prefix.
	SelfEscalating bool `json:"selfEscalating,omitempty"`
}

// CategoryPlan is the ordered command list for one update category.
type CategoryPlan struct {
	Category common.Category `json:"category"`
	// Critical categories abort the rest of the system's plan on failure.
	Critical bool      `json:"critical"`
	Commands []Command `json:"commands"`
}

// System package updates per platform. paru drives sudo itself and must not
// be wrapped.
var packageCommands = map[common.Platform][]Command{
	common.PlatformArch: {
		{Text: "paru -Syu --noconfirm", NeedsSudo: true, SelfEscalating: true},
		{Text: "paru -Sua --noconfirm", NeedsSudo: true, SelfEscalating: true},
	},
	common.PlatformDebian: {
		{Text: "apt update", NeedsSudo: true},
		{Text: "apt upgrade -y", NeedsSudo: true},
		{Text: "apt autoremove -y", NeedsSudo: true},
		{Text: "apt autoclean", NeedsSudo: true},
	},
}

// Tool updates shared by all platforms, all user-level.
var toolCommands = map[common.Category][]Command{
	common.CategoryRust: {
		{Text: "rustup update"},
		{Text: "cargo install-update -a"},
	},
	common.CategoryNode: {
		{Text: "npm update -g"},
	},
	common.CategorySdkman: {
		// sdk is a shell function; it only exists after sourcing the init script.
		{Text: "source ~/.sdkman/bin/sdkman-init.sh && sdk selfupdate"},
		{Text: "source ~/.sdkman/bin/sdkman-init.sh && sdk update"},
		{Text: "source ~/.sdkman/bin/sdkman-init.sh && sdk upgrade"},
	},
	common.CategoryGcloud: {
		{Text: "gcloud components update --quiet"},
	},
}

// Commands returns the ordered command list for one platform and category.
func Commands(platform common.Platform, category common.Category) ([]Command, error) {
	if category == common.CategorySystemPackages {
		cmds, ok := packageCommands[platform]
		if !ok {
			return nil, errors.Errorf("no package update commands for platform %q", platform)
		}
		return append([]Command(nil), cmds...), nil
	}
	cmds, ok := toolCommands[category]
	if !ok {
		return nil, errors.Errorf("unknown update category %q", category)
	}
	return append([]Command(nil), cmds...), nil
}

// Plan builds the ordered category plans for a platform. The category order
// given by the caller is authoritative and preserved exactly.
func Plan(platform common.Platform, categories []common.Category) ([]CategoryPlan, error) {
	plans := make([]CategoryPlan, 0, len(categories))
	for _, category := range categories {
		cmds, err := Commands(platform, category)
		if err != nil {
			return nil, err
		}
		plans = append(plans, CategoryPlan{
			Category: category,
			Critical: category == common.CategorySystemPackages,
			Commands: cmds,
		})
	}
	return plans, nil
}
