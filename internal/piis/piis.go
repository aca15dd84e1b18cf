// Package piis serves funds-confirmation consents. They reuse the consent
// capability with a smaller handler set: the decoupled approach is not
// offered.
package piis

import (
	"qazna.org/xs2a/internal/ais"
	"qazna.org/xs2a/internal/domain"
)

// New builds the PIIS capability.
func New(d ais.Deps) (*ais.Capability, error) {
	d.Options.AllowDecoupled = false
	return ais.NewFor(domain.ConsentPIIS, d)
}
