//go:build !outputseeds

package extract

// outputSeeds gates writing the <prefix>.seeds file. Off by default:
// publishing seeds is not privacy-preserving.
const outputSeeds = false
