package responder

import "math/big"

// GasBumpPolicy is the configurable repricing schedule of spec.md
// §4.6 / Open Question (i): on every block a pending item goes
// unmined, its gas price is multiplied by Factor, capped at Cap. The
// exact schedule is left unspecified by spec.md, so this is a config
// knob rather than a hardcoded constant; DefaultGasBumpPolicy mirrors
// go-ethereum's own de facto 12.5% repricing-bump convention for
// nonce-replacement transactions.
type GasBumpPolicy struct {
	Factor float64
	Cap    *big.Int
}

// DefaultGasBumpPolicy is used when a Config leaves GasBumpPolicy zero.
func DefaultGasBumpPolicy() GasBumpPolicy {
	return GasBumpPolicy{Factor: 1.125, Cap: new(big.Int).Mul(big.NewInt(500), big.NewInt(1e9))}
}

// bump returns price scaled by Factor, capped at Cap, and whether the
// cap was reached (the item should be marked stuck but bumping keeps
// being attempted regardless, per spec.md §4.6).
func (p GasBumpPolicy) bump(price *big.Int) (next *big.Int, cappedOut bool) {
	factor := p.Factor
	if factor <= 1 {
		factor = DefaultGasBumpPolicy().Factor
	}
	// scale by Factor*1000 / 1000 to stay in integer arithmetic.
	scaled := new(big.Int).Mul(price, big.NewInt(int64(factor*1000)))
	scaled.Div(scaled, big.NewInt(1000))

	if p.Cap != nil && scaled.Cmp(p.Cap) >= 0 {
		return new(big.Int).Set(p.Cap), true
	}
	return scaled, false
}

// Config is the set of knobs responder.New needs beyond its
// collaborators.
type Config struct {
	// InitialGasPrice floors every newly enqueued item's gas price,
	// per gasqueue.Queue.Add's floor parameter.
	InitialGasPrice *big.Int
	GasBump         GasBumpPolicy
}

func (c Config) sanitize() Config {
	conf := c
	if conf.InitialGasPrice == nil {
		conf.InitialGasPrice = big.NewInt(1e9)
	}
	if conf.GasBump.Factor <= 1 {
		conf.GasBump = DefaultGasBumpPolicy()
	}
	return conf
}
