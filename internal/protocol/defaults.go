package protocol

// Default catalogs seeded on first run and restored by ResetToDefaults.
// IDs are stable so items tagged before a reset still resolve.

func defaultStains() []Protocol {
	mk := func(id, name, stainType, antibody string) Protocol {
		return Protocol{
			ID:    id,
			Name:  name,
			Kind:  KindStain,
			Stain: &StainBody{StainType: stainType, Antibody: antibody},
		}
	}
	return []Protocol{
		ignoreProtocol(KindStain),
		mk("STAIN_cpioo6", "H&E", "histochemical", ""),
		mk("STAIN_65v352", "Modified Bielchowski", "histochemical", ""),
		mk("STAIN_lkwpqy", "Synuclein", "immunohistochemical", "alpha-synuclein"),
		mk("STAIN_qfddqt", "Tau", "immunohistochemical", "AT8"),
		mk("STAIN_p2d518", "aBeta", "immunohistochemical", "amyloid-beta"),
		mk("STAIN_kng23v", "amyB", "immunohistochemical", "amyloid-beta"),
		mk("STAIN_tns7si", "LFB", "histochemical", ""),
	}
}

func defaultRegions() []Protocol {
	mk := func(id, name, regionType string) Protocol {
		return Protocol{
			ID:     id,
			Name:   name,
			Kind:   KindRegion,
			Region: &RegionBody{RegionType: regionType},
		}
	}
	return []Protocol{
		ignoreProtocol(KindRegion),
		mk("REGION_vfrsko", "Middle Frontal Gyrus", "cortical"),
		mk("REGION_0zgdpo", "Midbrain", "brainstem"),
		mk("REGION_ttuyui", "Amygdala", "subcortical"),
		mk("REGION_oovu1y", "Pons", "brainstem"),
		mk("REGION_l4sjfj", "Medulla", "brainstem"),
		mk("REGION_9yqilx", "Thalamus", "subcortical"),
		mk("REGION_d8crva", "Parietal Lobe", "cortical"),
		mk("REGION_ni741c", "SM Temporal Gyrus", "cortical"),
		mk("REGION_rczxxd", "Cerebellum", "cerebellar"),
		mk("REGION_no8hid", "Inferior Parietal Lobe", "cortical"),
	}
}

func ignoreProtocol(kind Kind) Protocol {
	if kind == KindRegion {
		return Protocol{
			ID:     IgnoreRegionID,
			Name:   "ignore",
			Kind:   KindRegion,
			Region: &RegionBody{RegionType: "ignore"},
		}
	}
	return Protocol{
		ID:    IgnoreStainID,
		Name:  "ignore",
		Kind:  KindStain,
		Stain: &StainBody{StainType: "ignore"},
	}
}
