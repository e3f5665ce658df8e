// Package ledger defines the capability set the orchestration core consumes
// from the programmable-ownership ledger: asset registration, license token
// minting, derivative registration, license terms management and royalty
// claims. Concrete clients live in sub-packages.
package ledger
