//go:build outputseeds

package extract

// outputSeeds gates writing the <prefix>.seeds file. Enabled via the
// outputseeds build tag for debugging and evaluation runs only.
const outputSeeds = true
