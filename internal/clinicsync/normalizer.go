package clinicsync

// normalizeTenant enforces tenant purity on one raw result list. Records
// already carrying the active tenant pass through. Records with no tenant at
// all get a copy with the tenant attached and their id queued for an
// out-of-band repair write. Records carrying a different tenant are excluded
// outright: attaching them would be a cross-tenant leak, and repairing them
// would be a cross-tenant write.
func normalizeTenant(records []Record, tenantID string) (normalized []Record, repairIDs []string, excluded int) {
	normalized = make([]Record, 0, len(records))
	for _, record := range records {
		switch record.TenantID {
		case tenantID:
			normalized = append(normalized, record)
		case "":
			fixed := record
			fixed.TenantID = tenantID
			normalized = append(normalized, fixed)
			repairIDs = append(repairIDs, record.ID)
		default:
			excluded++
		}
	}
	return normalized, repairIDs, excluded
}
