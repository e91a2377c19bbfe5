// Package quantity converts resource quantity strings such as "500m", "2Gi"
// or "128974848" into canonical integers (millicores, kibibytes, gibibytes)
// and back into short human readable forms.
package quantity
