// Package domain holds the core types, sentinel errors, and collaborator
// interfaces shared by every layer of the module. It has no dependencies on
// the other packages so that stores, protocol code, and services can all
// import it freely.
package domain
