package store

// Remote layout shared by every client.
const (
	UsersRoot       = "users"
	TroopsRoot      = "troops"
	ResolutionsRoot = "resolutions"
)

// User record.
const (
	FieldScore = "score"
	FieldBase  = "base"
)

// Base record under users/{id}/base.
const (
	FieldLatitude            = "latitude"
	FieldLongitude           = "longitude"
	FieldHealth              = "health"
	FieldLevel               = "level"
	FieldUsername            = "username"
	FieldDestroyedBaseNotify = "destroyedBaseNotify"
)

// Troop record under troops/{id}.
const (
	FieldAttackerID        = "attackerId"
	FieldAttackerUsername  = "attackerUsername"
	FieldTargetBaseOwnerID = "targetBaseOwnerId"
	FieldTargetUsername    = "targetUsername"
	FieldTroopType         = "troopType"
	FieldDamage            = "damage"
	FieldStartLat          = "startLat"
	FieldStartLon          = "startLon"
	FieldEndLat            = "endLat"
	FieldEndLon            = "endLon"
	FieldCurrentLat        = "currentLat"
	FieldCurrentLon        = "currentLon"
	FieldTravelTimeSec     = "travelTimeSec"
)

// Resolution claim under resolutions/{troopId}.
const (
	FieldClaimedBy = "claimedBy"
	FieldClaimedAt = "claimedAt"
)

func UserPath(id string) string { return UsersRoot + "/" + id }

func ScorePath(id string) string { return UserPath(id) + "/" + FieldScore }

func BasePath(id string) string { return UserPath(id) + "/" + FieldBase }

// BaseFieldPath returns users/{id}/base/{field}.
func BaseFieldPath(id, field string) string { return BasePath(id) + "/" + field }

func TroopPath(id string) string { return TroopsRoot + "/" + id }

func ResolutionPath(troopID string) string { return ResolutionsRoot + "/" + troopID }
