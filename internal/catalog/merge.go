package catalog

import "fmt"

// assertTightens reports an error if vendor does not stay within the bounds
// base already established: numeric ranges may only narrow, string length
// bounds may only narrow, enum sets may only shrink, and the node shape
// (type, object properties, array item type) must match base exactly.
func assertTightens(base, vendor *Schema) error {
	if base == nil || vendor == nil {
		return fmt.Errorf("missing schema node")
	}
	if base.Type != vendor.Type {
		return fmt.Errorf("type changed from %s to %s", base.Type, vendor.Type)
	}

	if err := assertBoundsNarrow(base.Minimum, vendor.Minimum, false); err != nil {
		return fmt.Errorf("minimum: %w", err)
	}
	if err := assertBoundsNarrow(base.Maximum, vendor.Maximum, true); err != nil {
		return fmt.Errorf("maximum: %w", err)
	}
	if err := assertIntBoundsNarrow(base.MinLength, vendor.MinLength, false); err != nil {
		return fmt.Errorf("minLength: %w", err)
	}
	if err := assertIntBoundsNarrow(base.MaxLength, vendor.MaxLength, true); err != nil {
		return fmt.Errorf("maxLength: %w", err)
	}
	if err := assertEnumSubset(base.Enum, vendor.Enum); err != nil {
		return err
	}

	switch base.Type {
	case TypeObject:
		for name, baseProp := range base.Properties {
			vendorProp, ok := vendor.Properties[name]
			if !ok {
				// Vendor may drop optional properties from the merged
				// view only by narrowing requiredness, not by omitting
				// the schema entirely.
				return fmt.Errorf("property %q dropped by vendor", name)
			}
			if err := assertTightens(baseProp, vendorProp); err != nil {
				return fmt.Errorf("property %q: %w", name, err)
			}
		}
	case TypeArray:
		if err := assertTightens(base.Items, vendor.Items); err != nil {
			return fmt.Errorf("items: %w", err)
		}
	}
	return nil
}

// assertBoundsNarrow checks that vendor's bound, if present, is no looser
// than base's. upper selects whether a larger or smaller bound is looser.
func assertBoundsNarrow(base, vendor *float64, upper bool) error {
	if base == nil {
		return nil // base imposed no constraint; vendor may set any bound
	}
	if vendor == nil {
		return fmt.Errorf("vendor removed a base constraint")
	}
	if upper && *vendor > *base {
		return fmt.Errorf("vendor bound %v loosens base bound %v", *vendor, *base)
	}
	if !upper && *vendor < *base {
		return fmt.Errorf("vendor bound %v loosens base bound %v", *vendor, *base)
	}
	return nil
}

func assertIntBoundsNarrow(base, vendor *int, upper bool) error {
	if base == nil {
		return nil
	}
	if vendor == nil {
		return fmt.Errorf("vendor removed a base constraint")
	}
	if upper && *vendor > *base {
		return fmt.Errorf("vendor bound %d loosens base bound %d", *vendor, *base)
	}
	if !upper && *vendor < *base {
		return fmt.Errorf("vendor bound %d loosens base bound %d", *vendor, *base)
	}
	return nil
}

func assertEnumSubset(base, vendor []any) error {
	if len(base) == 0 {
		return nil
	}
	if len(vendor) == 0 {
		return fmt.Errorf("vendor removed base enum constraint")
	}
	allowed := make(map[any]bool, len(base))
	for _, v := range base {
		allowed[v] = true
	}
	for _, v := range vendor {
		if !allowed[v] {
			return fmt.Errorf("vendor enum value %v not in base enum %v", v, base)
		}
	}
	return nil
}
