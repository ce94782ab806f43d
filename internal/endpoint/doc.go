// Package endpoint holds the address of the segmentation backend and derives
// the base URL every outbound request is built from. The address is a literal
// edited in source; it is resolved once and passed explicitly to consumers.
package endpoint
