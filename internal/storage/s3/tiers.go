package s3

import (
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
)

// Storage class names as they appear in listings and configuration.
const (
	TierStandard          = "STANDARD"
	TierStandardIA        = "STANDARD_IA"
	TierOneZoneIA         = "ONEZONE_IA"
	TierReducedRedundancy = "REDUCED_REDUNDANCY"
	TierGlacierIR         = "GLACIER_IR"
	TierGlacier           = "GLACIER"
	TierDeepArchive       = "DEEP_ARCHIVE"
	TierIntelligent       = "INTELLIGENT_TIERING"
)

// ValidTier reports whether tier is a known upload storage class.
func ValidTier(tier string) bool {
	switch tier {
	case TierStandard, TierStandardIA, TierOneZoneIA, TierReducedRedundancy,
		TierGlacierIR, TierGlacier, TierDeepArchive, TierIntelligent:
		return true
	}
	return false
}

// IsArchived reports whether objects of this class must be restored before
// they can be read.
func IsArchived(class s3types.ObjectStorageClass) bool {
	switch class {
	case s3types.ObjectStorageClassGlacier, s3types.ObjectStorageClassDeepArchive:
		return true
	}
	return false
}

// ConvertTierToStorageClass maps a tier name to the SDK storage class.
func ConvertTierToStorageClass(tier string) s3types.StorageClass {
	switch tier {
	case TierStandardIA:
		return s3types.StorageClassStandardIa
	case TierOneZoneIA:
		return s3types.StorageClassOnezoneIa
	case TierReducedRedundancy:
		return s3types.StorageClassReducedRedundancy
	case TierGlacierIR:
		return s3types.StorageClassGlacierIr
	case TierGlacier:
		return s3types.StorageClassGlacier
	case TierDeepArchive:
		return s3types.StorageClassDeepArchive
	case TierIntelligent:
		return s3types.StorageClassIntelligentTiering
	default:
		return s3types.StorageClassStandard
	}
}

// ConvertTierToCargoShipStorageClass maps a tier name to the transporter's
// storage class. Classes the transporter lacks fall back to the nearest one.
func ConvertTierToCargoShipStorageClass(tier string) awsconfig.StorageClass {
	switch tier {
	case TierStandardIA:
		return awsconfig.StorageClassStandardIA
	case TierOneZoneIA:
		return awsconfig.StorageClassOneZoneIA
	case TierGlacierIR, TierGlacier:
		return awsconfig.StorageClassGlacier
	case TierDeepArchive:
		return awsconfig.StorageClassDeepArchive
	case TierIntelligent:
		return awsconfig.StorageClassIntelligentTiering
	default:
		return awsconfig.StorageClassStandard
	}
}
