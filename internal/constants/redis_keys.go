package constants

// Redis Key 前缀和格式常量
// 统一命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// ResumeModulePrefix 简历模块
	ResumeModulePrefix = "resume"
	// FileModulePrefix 文件模块
	FileModulePrefix = "file"

	// EntityLock 分布式锁实体
	EntityLock = "lock"
	// EntityDedupSet 去重集合实体
	EntityDedupSet = "dedup_set"
	// EntityMD5ToResume MD5到简历ID的映射实体
	EntityMD5ToResume = "md5_to_resume"

	// KeyResumeProcessingLock 单份简历的处理锁 (STRING)
	// 格式: app:resume:lock:{resumeID}
	KeyResumeProcessingLock = AppPrefix + ":" + ResumeModulePrefix + ":" + EntityLock + ":%s"

	// KeyFileMD5Set 文件MD5集合，用于快速去重 (SET)
	// 格式: app:file:dedup_set
	KeyFileMD5Set = AppPrefix + ":" + FileModulePrefix + ":" + EntityDedupSet

	// KeyFileMD5ToResumeID 用户+MD5到已有简历ID的映射 (STRING)
	// 格式: app:file:md5_to_resume:{userID}:{md5}
	KeyFileMD5ToResumeID = AppPrefix + ":" + FileModulePrefix + ":" + EntityMD5ToResume + ":%s:%s"
)
